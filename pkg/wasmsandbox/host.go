package wasmsandbox

import (
	"context"
	"crypto/sha256"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/titleprotocol/core/pkg/cryptoprimitives"
)

// hostState is the per-invocation closure every host function reads from.
// It is never shared across instantiations: a fresh hostState backs each
// Invoke call, so one extension can never observe another's buffers.
type hostState struct {
	content        []byte
	extensionInput []byte

	// hmacKey is derived per invocation from the content hash so
	// hmac_content lets an extension bind its result to the specific
	// asset it ran against without handing it raw signing key material.
	hmacKey [32]byte
}

// hostModuleName is the import namespace extensions declare their host
// functions under, e.g. (import "title_host" "get_content_length" ...).
const hostModuleName = "title_host"

// buildHostModule wires host's buffers into the §4.4 host-function
// surface and instantiates it into rt under hostModuleName so a guest
// module's imports resolve against it.
func buildHostModule(ctx context.Context, rt wazero.Runtime, host *hostState) (api.Closer, error) {
	h := sha256.Sum256(host.content)
	host.hmacKey = h

	builder := rt.NewHostModuleBuilder(hostModuleName)

	builder.NewFunctionBuilder().
		WithFunc(host.getContentLength).
		Export("get_content_length")

	builder.NewFunctionBuilder().
		WithFunc(host.readContentChunk).
		Export("read_content_chunk")

	builder.NewFunctionBuilder().
		WithFunc(host.getExtensionInput).
		Export("get_extension_input")

	builder.NewFunctionBuilder().
		WithFunc(host.hashContent).
		Export("hash_content")

	builder.NewFunctionBuilder().
		WithFunc(host.hmacContent).
		Export("hmac_content")

	return builder.Instantiate(ctx)
}

// getContentLength returns the total byte length of the request's content
// buffer, letting an extension size its own read loop.
func (h *hostState) getContentLength(ctx context.Context, mod api.Module) uint32 {
	return uint32(len(h.content))
}

// readContentChunk copies content[offset:offset+length] into the guest's
// linear memory at destPtr, returning the number of bytes actually
// copied (clamped at the buffer's end, 0 past it).
func (h *hostState) readContentChunk(ctx context.Context, mod api.Module, offset, length, destPtr uint32) uint32 {
	if int(offset) >= len(h.content) {
		return 0
	}
	end := int(offset) + int(length)
	if end > len(h.content) {
		end = len(h.content)
	}
	chunk := h.content[offset:end]
	if !mod.Memory().Write(destPtr, chunk) {
		return 0
	}
	return uint32(len(chunk))
}

// getExtensionInput copies this extension's input bytes into the guest's
// memory at destPtr, returning the number of bytes written. At most
// maxLen bytes are written, so a maxLen of 0 (or an empty input) returns
// 0; no call reports the input's full length.
func (h *hostState) getExtensionInput(ctx context.Context, mod api.Module, destPtr, maxLen uint32) uint32 {
	n := len(h.extensionInput)
	if n > int(maxLen) {
		n = int(maxLen)
	}
	if n == 0 {
		return 0
	}
	if !mod.Memory().Write(destPtr, h.extensionInput[:n]) {
		return 0
	}
	return uint32(n)
}

// hashContent writes digest(algo, content) into the guest's memory at
// destPtr, algo matching cryptoprimitives.HashAlgo's ordinal
// {sha256, sha384, sha512, keccak256}. Returns the digest length on
// success, 0 on an unsupported algo or an out-of-bounds write.
func (h *hostState) hashContent(ctx context.Context, mod api.Module, algo, destPtr uint32) uint32 {
	sum, err := cryptoprimitives.Hash(cryptoprimitives.HashAlgo(algo), h.content)
	if err != nil {
		return 0
	}
	if !mod.Memory().Write(destPtr, sum) {
		return 0
	}
	return uint32(len(sum))
}

// hmacContent writes HMAC(algo, invocationKey, content[offset:offset+length])
// into the guest's memory at destPtr, algo matching
// cryptoprimitives.HMACAlgo's ordinal {sha256, sha384, sha512}. The key is
// derived from the content's own hash rather than any shared secret, so
// this binds an extension's output to the exact bytes it ran over
// without exposing node signing material to guest code. Returns the MAC
// length on success, 0 on an unsupported algo or an out-of-bounds write.
func (h *hostState) hmacContent(ctx context.Context, mod api.Module, algo, offset, length, destPtr uint32) uint32 {
	if int(offset) >= len(h.content) {
		return 0
	}
	end := int(offset) + int(length)
	if end > len(h.content) {
		end = len(h.content)
	}
	sum, err := cryptoprimitives.HMAC(cryptoprimitives.HMACAlgo(algo), h.hmacKey[:], h.content[offset:end])
	if err != nil {
		return 0
	}
	if !mod.Memory().Write(destPtr, sum) {
		return 0
	}
	return uint32(len(sum))
}
