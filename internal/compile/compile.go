// Package compile implements the Compile Runner (C6): materializes a
// project's source files under an ephemeral directory and builds a WASM
// artifact using whichever backend is available (native toolchain,
// container, or a stub for environments with neither).
package compile

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/wasmforge/orchestrator/internal/apperr"
	"github.com/wasmforge/orchestrator/internal/domain"
)

// Request is the input to a single compile attempt.
type Request struct {
	ProjectID string
	Files     []domain.SourceFile
}

// EmitLogFunc receives one classified log record as soon as it is produced.
type EmitLogFunc func(domain.LogRecord)

// Runner selects and drives one of the three compile backends.
type Runner struct {
	// ToolchainBin is the native build tool, e.g. "cargo".
	ToolchainBin string
	// ContainerBin is the container engine, e.g. "docker" or "podman".
	ContainerBin string
	// ContainerImage is the pre-built image used for the container backend.
	ContainerImage string
	// BaseDir is the parent of ephemeral per-job build directories.
	BaseDir string
}

// NewRunner configures a Runner. Empty fields fall back to reasonable
// defaults ("cargo", "docker", os.TempDir()).
func NewRunner(toolchainBin, containerBin, containerImage, baseDir string) *Runner {
	if toolchainBin == "" {
		toolchainBin = "cargo"
	}
	if containerBin == "" {
		containerBin = "docker"
	}
	if containerImage == "" {
		containerImage = "wasmforge/compile-sandbox:latest"
	}
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	return &Runner{
		ToolchainBin:   toolchainBin,
		ContainerBin:   containerBin,
		ContainerImage: containerImage,
		BaseDir:        baseDir,
	}
}

// Compile materializes req.Files under an ephemeral directory and builds
// a WASM artifact via the first available backend, in order: native,
// container, stub. The directory is always removed on exit.
func (r *Runner) Compile(ctx context.Context, req Request, emitLog EmitLogFunc) (*domain.CompileResult, error) {
	jobDir, err := os.MkdirTemp(r.BaseDir, "compile-"+req.ProjectID+"-")
	if err != nil {
		return nil, fmt.Errorf("compile: create job dir: %w", err)
	}
	defer os.RemoveAll(jobDir)

	if err := materialize(jobDir, req.Files); err != nil {
		return nil, fmt.Errorf("compile: materialize files: %w", err)
	}

	if path, err := exec.LookPath(r.ToolchainBin); err == nil {
		return r.compileNative(ctx, jobDir, path, emitLog)
	}

	if _, err := exec.LookPath(r.ContainerBin); err == nil {
		if res, err := r.compileContainer(ctx, jobDir, emitLog); err == nil {
			return res, nil
		}
	}

	return r.compileStub(req, emitLog)
}

func materialize(dir string, files []domain.SourceFile) error {
	for _, f := range files {
		full := filepath.Join(dir, f.Name)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(full, []byte(f.Content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

// buildRoot locates the directory to build from: the job dir itself if it
// declares a single package at the top level, otherwise the first package
// found under a contracts/ subdirectory (the workspace case).
func buildRoot(jobDir string) (string, error) {
	if _, err := os.Stat(filepath.Join(jobDir, "Cargo.toml")); err == nil {
		return jobDir, nil
	}
	contractsDir := filepath.Join(jobDir, "contracts")
	entries, err := os.ReadDir(contractsDir)
	if err != nil {
		return "", fmt.Errorf("no Cargo.toml at top level and no contracts/ subdirectory")
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		candidate := filepath.Join(contractsDir, e.Name())
		if _, err := os.Stat(filepath.Join(candidate, "Cargo.toml")); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no package found under contracts/")
}

// normalizeLayout renames main.rs to lib.rs when only the former exists,
// and ensures Cargo.toml declares a [lib] path. Idempotent: a no-op if
// lib.rs already exists, so a redelivered payload re-running this is safe.
func normalizeLayout(root string) error {
	srcDir := filepath.Join(root, "src")
	libPath := filepath.Join(srcDir, "lib.rs")
	mainPath := filepath.Join(srcDir, "main.rs")

	if _, err := os.Stat(libPath); err == nil {
		return nil
	}
	if _, err := os.Stat(mainPath); err == nil {
		if err := os.Rename(mainPath, libPath); err != nil {
			return fmt.Errorf("rename main.rs to lib.rs: %w", err)
		}
	}

	manifestPath := filepath.Join(root, "Cargo.toml")
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return fmt.Errorf("read Cargo.toml: %w", err)
	}
	if strings.Contains(string(data), "[lib]") {
		return nil
	}
	f, err := os.OpenFile(manifestPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open Cargo.toml: %w", err)
	}
	defer f.Close()
	_, err = f.WriteString("\n[lib]\npath = \"src/lib.rs\"\n")
	return err
}

func (r *Runner) compileNative(ctx context.Context, jobDir, toolchainPath string, emitLog EmitLogFunc) (*domain.CompileResult, error) {
	root, err := buildRoot(jobDir)
	if err != nil {
		return nil, apperr.Wrap(apperr.CompilerFailed, "locate build root", err)
	}
	if err := normalizeLayout(root); err != nil {
		return nil, apperr.Wrap(apperr.CompilerFailed, "normalize package layout", err)
	}

	targetDir := filepath.Join(root, "target", "wasm32-unknown-unknown", "release")
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return nil, fmt.Errorf("compile: pre-create target dir: %w", err)
	}

	cmd := exec.CommandContext(ctx, toolchainPath, "build", "--target", "wasm32-unknown-unknown", "--release")
	cmd.Dir = root

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("compile: stdout pipe: %w", err)
	}
	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		return nil, apperr.Wrap(apperr.SpawnError, "start toolchain", err)
	}

	scanner := bufio.NewScanner(stdoutPipe)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		emitLog(classify(scanner.Text()))
	}

	waitErr := cmd.Wait()
	if waitErr != nil {
		summary := strings.TrimSpace(stderrBuf.String())
		if summary == "" {
			summary = waitErr.Error()
		}
		emitLog(domain.LogRecord{Kind: domain.LogKindError, Message: summary, Timestamp: time.Now().UTC()})
		return nil, apperr.WithDetails(apperr.CompilerFailed, "native build failed", summary)
	}

	wasmPath, err := findArtifact(targetDir)
	if err != nil {
		return nil, apperr.New(apperr.CompilerDidNotProduceArtifact, "no .wasm artifact produced")
	}
	data, err := os.ReadFile(wasmPath)
	if err != nil {
		return nil, fmt.Errorf("compile: read artifact: %w", err)
	}

	return &domain.CompileResult{
		WasmBytes:    data,
		WasmFilename: filepath.Base(wasmPath),
		BackendUsed:  domain.BackendNative,
	}, nil
}

// findArtifact scans dir for a single .wasm file, excluding any deps/ path.
func findArtifact(dir string) (string, error) {
	var found string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if strings.Contains(path, string(filepath.Separator)+"deps"+string(filepath.Separator)) {
			return nil
		}
		if filepath.Ext(path) == ".wasm" {
			found = path
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", fmt.Errorf("no .wasm artifact found under %s", dir)
	}
	return found, nil
}

// classify maps one line of build output to a log record by keyword
// (§4.6): error/failed -> error, warning -> warning, compiling/building/
// finished -> info, success markers -> success, else info.
func classify(line string) domain.LogRecord {
	lower := strings.ToLower(line)
	kind := domain.LogKindInfo
	switch {
	case strings.Contains(lower, "error") || strings.Contains(lower, "failed"):
		kind = domain.LogKindError
	case strings.Contains(lower, "warning"):
		kind = domain.LogKindWarning
	case strings.Contains(lower, "success") || strings.Contains(lower, "optimized"):
		kind = domain.LogKindSuccess
	case strings.Contains(lower, "compiling") || strings.Contains(lower, "building") || strings.Contains(lower, "finished"):
		kind = domain.LogKindInfo
	}
	return domain.LogRecord{Kind: kind, Message: line, Timestamp: time.Now().UTC()}
}

var structuredLine = regexp.MustCompile(`^\{.*\}$`)

func (r *Runner) compileContainer(ctx context.Context, jobDir string, emitLog EmitLogFunc) (*domain.CompileResult, error) {
	outDir := filepath.Join(jobDir, "out")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("compile: create out dir: %w", err)
	}

	cmd := exec.CommandContext(ctx, r.ContainerBin, "run", "--rm",
		"-v", jobDir+":/project",
		"-v", outDir+":/out",
		r.ContainerImage,
	)
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("compile: container stdout pipe: %w", err)
	}
	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		return nil, apperr.Wrap(apperr.SpawnError, "start container", err)
	}

	scanner := bufio.NewScanner(stdoutPipe)
	for scanner.Scan() {
		line := scanner.Text()
		if structuredLine.MatchString(strings.TrimSpace(line)) {
			emitLog(domain.LogRecord{Kind: domain.LogKindInfo, Message: line, Timestamp: time.Now().UTC()})
			continue
		}
		emitLog(classify(line))
	}

	if err := cmd.Wait(); err != nil {
		return nil, apperr.WithDetails(apperr.CompilerFailed, "container build failed", strings.TrimSpace(stderrBuf.String()))
	}

	wasmPath, err := findArtifact(outDir)
	if err != nil {
		// fall back to a shared output path, per §4.6's documented fallback.
		wasmPath, err = findArtifact(filepath.Join(r.BaseDir, "shared-out"))
		if err != nil {
			return nil, apperr.New(apperr.CompilerDidNotProduceArtifact, "no .wasm artifact produced")
		}
	}
	data, err := os.ReadFile(wasmPath)
	if err != nil {
		return nil, fmt.Errorf("compile: read container artifact: %w", err)
	}
	return &domain.CompileResult{
		WasmBytes:    data,
		WasmFilename: filepath.Base(wasmPath),
		BackendUsed:  domain.BackendContainer,
	}, nil
}

// stubWasm is a fixed marker byte sequence returned by the stub backend: a
// valid minimal WASM header (magic + version) and nothing else.
var stubWasm = []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}

func (r *Runner) compileStub(req Request, emitLog EmitLogFunc) (*domain.CompileResult, error) {
	hasManifest, hasLib := false, false
	for _, f := range req.Files {
		switch f.Name {
		case "Cargo.toml":
			hasManifest = true
		case "src/lib.rs", "lib.rs":
			hasLib = true
		}
	}
	if !hasManifest || !hasLib {
		return nil, apperr.New(apperr.BadInput, "project is missing a package manifest or library source")
	}

	now := time.Now().UTC()
	for _, msg := range []struct {
		kind domain.LogKind
		text string
	}{
		{domain.LogKindInfo, "compiling (stub backend, no toolchain available)"},
		{domain.LogKindInfo, "building wasm32-unknown-unknown release"},
		{domain.LogKindSuccess, "finished release [optimized] target(s)"},
	} {
		emitLog(domain.LogRecord{Kind: msg.kind, Message: msg.text, Timestamp: now})
	}

	return &domain.CompileResult{
		WasmBytes:    stubWasm,
		WasmFilename: req.ProjectID + ".wasm",
		BackendUsed:  domain.BackendStub,
	}, nil
}
