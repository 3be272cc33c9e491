package compile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasmforge/orchestrator/internal/apperr"
	"github.com/wasmforge/orchestrator/internal/domain"
)

func collectLogs(logs *[]domain.LogRecord) EmitLogFunc {
	return func(r domain.LogRecord) { *logs = append(*logs, r) }
}

func TestNewRunner_DefaultsAppliedWhenEmpty(t *testing.T) {
	r := NewRunner("", "", "", "")
	assert.Equal(t, "cargo", r.ToolchainBin)
	assert.Equal(t, "docker", r.ContainerBin)
	assert.NotEmpty(t, r.ContainerImage)
	assert.Equal(t, os.TempDir(), r.BaseDir)
}

func TestNewRunner_ExplicitValuesKept(t *testing.T) {
	r := NewRunner("mycargo", "podman", "my/image:tag", "/tmp/builds")
	assert.Equal(t, "mycargo", r.ToolchainBin)
	assert.Equal(t, "podman", r.ContainerBin)
	assert.Equal(t, "my/image:tag", r.ContainerImage)
	assert.Equal(t, "/tmp/builds", r.BaseDir)
}

func TestMaterialize_WritesNestedFiles(t *testing.T) {
	dir := t.TempDir()
	files := []domain.SourceFile{
		{Name: "Cargo.toml", Content: "[package]\nname = \"c\"\n"},
		{Name: "src/lib.rs", Content: "pub fn hi() {}\n"},
	}
	require.NoError(t, materialize(dir, files))

	data, err := os.ReadFile(filepath.Join(dir, "src", "lib.rs"))
	require.NoError(t, err)
	assert.Equal(t, "pub fn hi() {}\n", string(data))
}

func TestBuildRoot_TopLevelManifest(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Cargo.toml"), []byte("[package]\n"), 0o644))

	root, err := buildRoot(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, root)
}

func TestBuildRoot_WorkspaceContractsSubdir(t *testing.T) {
	dir := t.TempDir()
	contract := filepath.Join(dir, "contracts", "token")
	require.NoError(t, os.MkdirAll(contract, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(contract, "Cargo.toml"), []byte("[package]\n"), 0o644))

	root, err := buildRoot(dir)
	require.NoError(t, err)
	assert.Equal(t, contract, root)
}

func TestBuildRoot_NoPackageFound(t *testing.T) {
	dir := t.TempDir()
	_, err := buildRoot(dir)
	assert.Error(t, err)
}

func TestNormalizeLayout_RenamesMainToLib(t *testing.T) {
	dir := t.TempDir()
	srcDir := filepath.Join(dir, "src")
	require.NoError(t, os.MkdirAll(srcDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "main.rs"), []byte("fn main() {}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Cargo.toml"), []byte("[package]\nname=\"c\"\n"), 0o644))

	require.NoError(t, normalizeLayout(dir))

	_, err := os.Stat(filepath.Join(srcDir, "lib.rs"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(srcDir, "main.rs"))
	assert.True(t, os.IsNotExist(err))

	manifest, err := os.ReadFile(filepath.Join(dir, "Cargo.toml"))
	require.NoError(t, err)
	assert.Contains(t, string(manifest), "[lib]")
}

func TestNormalizeLayout_NoopWhenLibAlreadyExists(t *testing.T) {
	dir := t.TempDir()
	srcDir := filepath.Join(dir, "src")
	require.NoError(t, os.MkdirAll(srcDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "lib.rs"), []byte("pub fn hi() {}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Cargo.toml"), []byte("[package]\n"), 0o644))

	require.NoError(t, normalizeLayout(dir))

	manifest, err := os.ReadFile(filepath.Join(dir, "Cargo.toml"))
	require.NoError(t, err)
	assert.NotContains(t, string(manifest), "[lib]")
}

func TestFindArtifact_SkipsDepsDirectory(t *testing.T) {
	dir := t.TempDir()
	depsDir := filepath.Join(dir, "deps")
	require.NoError(t, os.MkdirAll(depsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(depsDir, "ignored.wasm"), []byte{0x00}, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "contract.wasm"), []byte{0x00, 0x61, 0x73, 0x6D}, 0o644))

	found, err := findArtifact(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "contract.wasm"), found)
}

func TestFindArtifact_NoneFound(t *testing.T) {
	dir := t.TempDir()
	_, err := findArtifact(dir)
	assert.Error(t, err)
}

func TestClassify_KeywordMapping(t *testing.T) {
	tests := []struct {
		line string
		kind domain.LogKind
	}{
		{"error[E0433]: failed to resolve", domain.LogKindError},
		{"build failed with exit code 1", domain.LogKindError},
		{"warning: unused variable `x`", domain.LogKindWarning},
		{"Compiling contract v0.1.0", domain.LogKindInfo},
		{"Finished release [optimized] target(s) in 3.2s", domain.LogKindSuccess},
		{"something unremarkable happened", domain.LogKindInfo},
	}
	for _, tt := range tests {
		rec := classify(tt.line)
		assert.Equal(t, tt.kind, rec.Kind, "line: %q", tt.line)
		assert.Equal(t, tt.line, rec.Message)
	}
}

func TestCompileStub_MissingManifestOrLib(t *testing.T) {
	r := NewRunner("", "", "", "")
	var logs []domain.LogRecord

	_, err := r.compileStub(Request{ProjectID: "p1", Files: nil}, collectLogs(&logs))
	require.Error(t, err)
	assert.Equal(t, apperr.BadInput, apperr.KindOf(err))
	assert.Empty(t, logs)
}

func TestCompileStub_ProducesMarkerWasm(t *testing.T) {
	r := NewRunner("", "", "", "")
	var logs []domain.LogRecord

	req := Request{
		ProjectID: "p2",
		Files: []domain.SourceFile{
			{Name: "Cargo.toml", Content: "[package]\n"},
			{Name: "src/lib.rs", Content: "pub fn hi() {}\n"},
		},
	}
	res, err := r.compileStub(req, collectLogs(&logs))
	require.NoError(t, err)
	assert.Equal(t, domain.BackendStub, res.BackendUsed)
	assert.Equal(t, "p2.wasm", res.WasmFilename)
	assert.Equal(t, stubWasm, res.WasmBytes)
	require.Len(t, logs, 3)
	assert.Equal(t, domain.LogKindSuccess, logs[2].Kind)
}

func TestCompile_FallsBackToStubWhenNoToolchainAvailable(t *testing.T) {
	r := NewRunner("definitely-not-a-real-binary-xyz", "also-not-real-xyz", "", t.TempDir())
	var logs []domain.LogRecord

	req := Request{
		ProjectID: "p3",
		Files: []domain.SourceFile{
			{Name: "Cargo.toml", Content: "[package]\n"},
			{Name: "src/lib.rs", Content: "pub fn hi() {}\n"},
		},
	}
	res, err := r.Compile(context.Background(), req, collectLogs(&logs))
	require.NoError(t, err)
	assert.Equal(t, domain.BackendStub, res.BackendUsed)
}
