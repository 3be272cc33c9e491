// Package deploy implements the Deploy Runner (C7): validates a WASM
// artifact, ensures a signing identity exists, and invokes the deploy CLI
// to publish the contract to a network.
package deploy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
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

// Runner drives the deploy CLI (default "soroban").
type Runner struct {
	ToolchainBin string
	IdentityName string
	HorizonURL   string
	BaseDir      string
}

// NewRunner configures a Runner. Empty fields fall back to defaults.
func NewRunner(toolchainBin, identityName, horizonURL, baseDir string) *Runner {
	if toolchainBin == "" {
		toolchainBin = "soroban"
	}
	if identityName == "" {
		identityName = "forge-default"
	}
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	return &Runner{
		ToolchainBin: toolchainBin,
		IdentityName: identityName,
		HorizonURL:   horizonURL,
		BaseDir:      baseDir,
	}
}

// EmitLogFunc receives one classified log record as soon as it is produced.
type EmitLogFunc func(domain.LogRecord)

func logInfo(emit EmitLogFunc, msg string)    { emit(domain.LogRecord{Kind: domain.LogKindInfo, Message: msg, Timestamp: time.Now().UTC()}) }
func logWarn(emit EmitLogFunc, msg string)    { emit(domain.LogRecord{Kind: domain.LogKindWarning, Message: msg, Timestamp: time.Now().UTC()}) }
func logError(emit EmitLogFunc, msg string)   { emit(domain.LogRecord{Kind: domain.LogKindError, Message: msg, Timestamp: time.Now().UTC()}) }
func logSuccess(emit EmitLogFunc, msg string) { emit(domain.LogRecord{Kind: domain.LogKindSuccess, Message: msg, Timestamp: time.Now().UTC()}) }

// ValidateWasm rejects byte strings shorter than 8 bytes, without the
// magic bytes 00 61 73 6D, or without version 01 00 00 00; it also
// sanity-checks that at least one section marker byte (0..11) appears in
// the first 100 bytes of the module.
func ValidateWasm(b []byte) error {
	if len(b) < 8 {
		return apperr.New(apperr.InvalidWasm, "wasm module shorter than 8 bytes")
	}
	if !bytes.Equal(b[0:4], []byte{0x00, 0x61, 0x73, 0x6D}) {
		return apperr.New(apperr.InvalidWasm, "bad magic bytes")
	}
	if !bytes.Equal(b[4:8], []byte{0x01, 0x00, 0x00, 0x00}) {
		return apperr.New(apperr.InvalidWasm, "unsupported wasm version")
	}
	limit := len(b)
	if limit > 100 {
		limit = 100
	}
	hasSection := false
	for _, c := range b[8:limit] {
		if c <= 11 {
			hasSection = true
			break
		}
	}
	if !hasSection {
		return apperr.New(apperr.InvalidWasm, "no section marker found in module header")
	}
	return nil
}

// Deploy validates wasmBytes, ensures the signing identity exists
// (funding it on testnet), writes the module to disk, invokes the deploy
// CLI, and extracts the resulting contract id from its output.
func (r *Runner) Deploy(ctx context.Context, projectID string, wasmBytes []byte, network domain.Network, emit EmitLogFunc) (*domain.DeployResult, error) {
	toolchainPath, err := exec.LookPath(r.ToolchainBin)
	if err != nil {
		return nil, apperr.New(apperr.ToolchainMissing, fmt.Sprintf("deploy CLI %q not found on PATH", r.ToolchainBin))
	}

	if err := ValidateWasm(wasmBytes); err != nil {
		logError(emit, err.Error())
		return nil, err
	}
	logInfo(emit, fmt.Sprintf("wasm ok: magic=0061736d version=01000000 size=%d", len(wasmBytes)))

	if err := r.ensureIdentity(ctx, toolchainPath, network, emit); err != nil {
		return nil, err
	}

	jobDir, err := os.MkdirTemp(r.BaseDir, "deploy-"+projectID+"-")
	if err != nil {
		return nil, fmt.Errorf("deploy: create job dir: %w", err)
	}
	defer os.RemoveAll(jobDir)

	wasmPath := filepath.Join(jobDir, "contract.wasm")
	if err := os.WriteFile(wasmPath, wasmBytes, 0o644); err != nil {
		return nil, fmt.Errorf("deploy: write wasm: %w", err)
	}
	info, err := os.Stat(wasmPath)
	if err != nil || info.Size() != int64(len(wasmBytes)) {
		return nil, fmt.Errorf("deploy: on-disk wasm size mismatch")
	}

	args := []string{"contract", "deploy",
		"--wasm", wasmPath,
		"--source", r.IdentityName,
		"--network", string(network),
		"--alias", projectID,
	}
	logWarn(emit, fmt.Sprintf("deploying alias %q: if a prior attempt already succeeded on-chain, this may create a duplicate", projectID))

	stdout, stderr, err := r.runCaptured(ctx, toolchainPath, args, emit)
	if err != nil {
		summary := strings.TrimSpace(stderr)
		if summary == "" {
			summary = err.Error()
		}
		return nil, apperr.WithDetails(apperr.CompilerFailed, "deploy invocation failed", summary)
	}

	contractID, ok := extractContractID(stdout)
	if !ok {
		return nil, apperr.New(apperr.ContractIDNotFound, "could not locate contract id in deploy output")
	}
	logSuccess(emit, fmt.Sprintf("deployed contract %s", contractID))

	return &domain.DeployResult{
		ContractID:     contractID,
		Network:        network,
		SignerIdentity: r.IdentityName,
	}, nil
}

// ensureIdentity creates the signing identity if absent (idempotent: an
// "already exists" outcome counts as success) and, on testnet, attempts to
// fund it; a funding failure is logged as a warning, not fatal.
func (r *Runner) ensureIdentity(ctx context.Context, toolchainPath string, network domain.Network, emit EmitLogFunc) error {
	checkCmd := exec.CommandContext(ctx, toolchainPath, "keys", "address", r.IdentityName)
	if err := checkCmd.Run(); err != nil {
		genCmd := exec.CommandContext(ctx, toolchainPath, "keys", "generate", r.IdentityName, "--network", string(network))
		var stderr bytes.Buffer
		genCmd.Stderr = &stderr
		if err := genCmd.Run(); err != nil {
			if !strings.Contains(strings.ToLower(stderr.String()), "already exists") {
				return apperr.Wrap(apperr.SpawnError, "create signing identity", err)
			}
		}
		logInfo(emit, fmt.Sprintf("created signing identity %q", r.IdentityName))
	}

	if network == domain.NetworkTestnet {
		fundCmd := exec.CommandContext(ctx, toolchainPath, "keys", "fund", r.IdentityName, "--network", string(network))
		if err := fundCmd.Run(); err != nil {
			logWarn(emit, fmt.Sprintf("funding identity %q failed (may already be funded): %v", r.IdentityName, err))
		}
	}
	return nil
}

// runCaptured streams stdout/stderr line by line through emit exactly as
// the compile runner does, and returns the full captured stdout/stderr
// plus the process error (if any).
func (r *Runner) runCaptured(ctx context.Context, path string, args []string, emit EmitLogFunc) (stdout string, stderr string, err error) {
	cmd := exec.CommandContext(ctx, path, args...)
	stdoutPipe, perr := cmd.StdoutPipe()
	if perr != nil {
		return "", "", fmt.Errorf("deploy: stdout pipe: %w", perr)
	}
	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		return "", "", apperr.Wrap(apperr.SpawnError, "start deploy CLI", err)
	}

	var stdoutBuf bytes.Buffer
	scanner := bufio.NewScanner(stdoutPipe)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		stdoutBuf.WriteString(line)
		stdoutBuf.WriteByte('\n')
		emit(classifyDeployLine(line))
	}

	waitErr := cmd.Wait()
	return stdoutBuf.String(), stderrBuf.String(), waitErr
}

func classifyDeployLine(line string) domain.LogRecord {
	lower := strings.ToLower(line)
	kind := domain.LogKindInfo
	switch {
	case strings.Contains(lower, "error") || strings.Contains(lower, "failed"):
		kind = domain.LogKindError
	case strings.Contains(lower, "warning"):
		kind = domain.LogKindWarning
	case strings.Contains(lower, "success") || strings.Contains(lower, "deployed"):
		kind = domain.LogKindSuccess
	}
	return domain.LogRecord{Kind: kind, Message: line, Timestamp: time.Now().UTC()}
}

var (
	contractIDLineRe = regexp.MustCompile(`(?m)^C[A-Z0-9]{10,}$`)
	contractIDLabelRe = regexp.MustCompile(`Contract ID:\s*(C[A-Z0-9]+)`)
	contractIDFieldRe = regexp.MustCompile(`id:\s*(C[A-Z0-9]+)`)
	contractIDJSONRe  = regexp.MustCompile(`"id"\s*:\s*"(C[A-Z0-9]+)"`)
)

// extractContractID tries, in order: a whole line starting with C and
// longer than 50 chars; a "Contract ID:" label; a bare "id:" field; a
// JSON-ish "id":"..." field. First match wins.
func extractContractID(output string) (string, bool) {
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if len(trimmed) > 50 && strings.HasPrefix(trimmed, "C") && contractIDLineRe.MatchString(trimmed) {
			return trimmed, true
		}
	}
	if m := contractIDLabelRe.FindStringSubmatch(output); m != nil {
		return m[1], true
	}
	if m := contractIDFieldRe.FindStringSubmatch(output); m != nil {
		return m[1], true
	}
	if m := contractIDJSONRe.FindStringSubmatch(output); m != nil {
		return m[1], true
	}
	return "", false
}

var wasmHashRe = regexp.MustCompile(`\b[0-9a-f]{64}\b`)

// UploadWasm uploads a WASM module and returns its hash, parsed as a
// 64-char hex string from the CLI output.
func (r *Runner) UploadWasm(ctx context.Context, wasmBytes []byte, network domain.Network, emit EmitLogFunc) (string, error) {
	toolchainPath, err := exec.LookPath(r.ToolchainBin)
	if err != nil {
		return "", apperr.New(apperr.ToolchainMissing, fmt.Sprintf("deploy CLI %q not found on PATH", r.ToolchainBin))
	}
	if err := ValidateWasm(wasmBytes); err != nil {
		return "", err
	}

	jobDir, err := os.MkdirTemp(r.BaseDir, "upload-")
	if err != nil {
		return "", fmt.Errorf("deploy: create job dir: %w", err)
	}
	defer os.RemoveAll(jobDir)

	wasmPath := filepath.Join(jobDir, "contract.wasm")
	if err := os.WriteFile(wasmPath, wasmBytes, 0o644); err != nil {
		return "", fmt.Errorf("deploy: write wasm: %w", err)
	}

	args := []string{"contract", "upload", "--wasm", wasmPath, "--source", r.IdentityName, "--network", string(network)}
	stdout, stderr, err := r.runCaptured(ctx, toolchainPath, args, emit)
	if err != nil {
		return "", apperr.WithDetails(apperr.CompilerFailed, "upload failed", strings.TrimSpace(stderr))
	}

	if m := wasmHashRe.FindString(stdout); m != "" {
		return m, nil
	}
	return "", apperr.New(apperr.ContractIDNotFound, "could not locate wasm hash in upload output")
}

// DeployByHash deploys a contract instance from a previously uploaded wasm
// hash, which must be 64 lowercase hex characters.
func (r *Runner) DeployByHash(ctx context.Context, hash, alias string, network domain.Network, emit EmitLogFunc) (string, error) {
	if len(hash) != 64 {
		return "", apperr.New(apperr.BadInput, "wasm hash must be 64 hex characters")
	}
	if decoded, err := hex.DecodeString(hash); err != nil || hex.EncodeToString(decoded) != hash {
		return "", apperr.New(apperr.BadInput, "wasm hash must be lowercase hex")
	}

	toolchainPath, err := exec.LookPath(r.ToolchainBin)
	if err != nil {
		return "", apperr.New(apperr.ToolchainMissing, fmt.Sprintf("deploy CLI %q not found on PATH", r.ToolchainBin))
	}

	args := []string{"contract", "deploy", "--wasm-hash", hash, "--source", r.IdentityName, "--network", string(network), "--alias", alias}
	stdout, stderr, err := r.runCaptured(ctx, toolchainPath, args, emit)
	if err != nil {
		return "", apperr.WithDetails(apperr.CompilerFailed, "deploy-by-hash failed", strings.TrimSpace(stderr))
	}

	contractID, ok := extractContractID(stdout)
	if !ok {
		return "", apperr.New(apperr.ContractIDNotFound, "could not locate contract id in deploy output")
	}
	return contractID, nil
}
