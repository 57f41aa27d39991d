package wasmsandbox

import (
	"context"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/titleprotocol/core/pkg/trust"
)

// ExtensionDescriptor is one entry of the registry's published view: the
// identity GET /.well-known/title-node-info reports per supported
// extension.
type ExtensionDescriptor struct {
	ExtensionID string
	SourceTag   string
	WasmHash    string
	Available   bool
}

// Registry reconciles the TrustConfig's trusted_wasm_modules list against
// the WASM module files actually present on disk, at startup and on
// every trust-config refresh. A module pinned in trust config but absent
// (or hash-mismatched) on disk is reported unavailable rather than
// treated as a startup failure: the rest of the node stays usable.
type Registry struct {
	wasmDir string
	trust   *trust.Store
	logger  *zap.Logger
}

// NewRegistry builds a Registry that resolves module files under wasmDir,
// named "<extension_id>.wasm".
func NewRegistry(wasmDir string, trustStore *trust.Store, logger *zap.Logger) *Registry {
	return &Registry{wasmDir: wasmDir, trust: trustStore, logger: logger}
}

// Descriptors reconciles the current trust snapshot's trusted_wasm_modules
// against wasmDir and returns one ExtensionDescriptor per trusted entry.
func (r *Registry) Descriptors() []ExtensionDescriptor {
	snapshot := r.trust.Snapshot()
	descriptors := make([]ExtensionDescriptor, 0, len(snapshot.TrustedWasmModules))

	for _, m := range snapshot.TrustedWasmModules {
		path := filepath.Join(r.wasmDir, m.ExtensionID+".wasm")
		desc := ExtensionDescriptor{ExtensionID: m.ExtensionID, SourceTag: m.SourceTag, WasmHash: m.WasmHash}

		wasmBytes, err := os.ReadFile(path)
		if err != nil {
			r.logger.Warn("extension module file missing",
				zap.String("extension_id", m.ExtensionID), zap.String("path", path), zap.Error(err))
			descriptors = append(descriptors, desc)
			continue
		}

		actual := WasmHash(wasmBytes)
		if actual != m.WasmHash {
			r.logger.Warn("extension module hash mismatch",
				zap.String("extension_id", m.ExtensionID),
				zap.String("expected", m.WasmHash), zap.String("actual", actual))
			descriptors = append(descriptors, desc)
			continue
		}

		desc.Available = true
		descriptors = append(descriptors, desc)
	}
	return descriptors
}

// Load reads extensionID's module file from wasmDir and compiles it into
// sandbox, pinning it against the current trust snapshot's wasm_hash.
// Sandbox.Compile independently re-checks the hash, so a trust-config
// refresh that revokes extensionID takes effect on the next Load even if
// an older compiled instance is still cached.
func (r *Registry) Load(ctx context.Context, sandbox *Sandbox, extensionID string) error {
	snapshot := r.trust.Snapshot()
	trustedHash, ok := snapshot.WasmHashFor(extensionID)
	if !ok {
		return &registryError{extensionID: extensionID, reason: "no trust record"}
	}

	path := filepath.Join(r.wasmDir, extensionID+".wasm")
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return &registryError{extensionID: extensionID, reason: "module file unreadable", cause: err}
	}

	return sandbox.Compile(ctx, extensionID, wasmBytes, trustedHash)
}

type registryError struct {
	extensionID string
	reason      string
	cause       error
}

func (e *registryError) Error() string {
	if e.cause != nil {
		return "extension " + e.extensionID + ": " + e.reason + ": " + e.cause.Error()
	}
	return "extension " + e.extensionID + ": " + e.reason
}

func (e *registryError) Unwrap() error { return e.cause }
