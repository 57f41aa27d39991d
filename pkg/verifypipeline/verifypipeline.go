// Package verifypipeline orchestrates the §4.6 Verify operation: fetch
// the encrypted payload, open it, run the core C2PA processor and/or
// named extensions, sign each result, and seal the response under the
// client's shared key.
package verifypipeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/mr-tron/base58"
	"go.uber.org/zap"

	"github.com/titleprotocol/core/pkg/c2pa"
	"github.com/titleprotocol/core/pkg/cryptoprimitives"
	"github.com/titleprotocol/core/pkg/environment"
	"github.com/titleprotocol/core/pkg/errs"
	"github.com/titleprotocol/core/pkg/fetcher"
	"github.com/titleprotocol/core/pkg/lifecycle"
	"github.com/titleprotocol/core/pkg/persistence"
	"github.com/titleprotocol/core/pkg/trust"
	"github.com/titleprotocol/core/pkg/types"
	"github.com/titleprotocol/core/pkg/wasmsandbox"
)

// CoreProcessorID is the reserved processor_id that runs the C2PA engine
// rather than a named extension.
const CoreProcessorID = "core-c2pa"

// Request is the decoded body of POST /verify.
type Request struct {
	DownloadURL  string   `json:"download_url"`
	ProcessorIDs []string `json:"processor_ids"`
}

// Response is the sealed reply: the AEAD-encrypted {results} JSON.
type Response struct {
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Pipeline wires every component §4.6 touches.
type Pipeline struct {
	env      environment.Identity
	gate     *lifecycle.Gate
	trust    *trust.Store
	fetcher  *fetcher.Fetcher
	sandbox  *wasmsandbox.Sandbox
	registry *wasmsandbox.Registry
	store    persistence.Store
	logger   *zap.Logger
}

// New builds a Pipeline. store may be nil; a nil store skips the §12.3
// local attestation audit ledger write. Resource admission for the fetched
// bytes is handled inside fetcher itself (incrementally, as they arrive),
// not by the pipeline.
func New(env environment.Identity, gate *lifecycle.Gate, trustStore *trust.Store, f *fetcher.Fetcher, sandbox *wasmsandbox.Sandbox, registry *wasmsandbox.Registry, store persistence.Store, logger *zap.Logger) *Pipeline {
	return &Pipeline{env: env, gate: gate, trust: trustStore, fetcher: f, sandbox: sandbox, registry: registry, store: store, logger: logger}
}

// result is one processor's product before the outer {results} envelope
// is assembled.
type result struct {
	ProcessorID string                  `json:"processor_id"`
	Signed      types.SignedAttestation `json:"signed_json"`
}

// Run executes the full pipeline for one decrypted request, sealed under
// the shared key derived from the client's ephemeral key.
func (p *Pipeline) Run(ctx context.Context, req Request, budget types.ResourceBudget) (*Response, error) {
	if err := p.gate.RequireActive(); err != nil {
		return nil, err
	}
	if len(req.ProcessorIDs) == 0 {
		return nil, errs.New(errs.BadRequest, "processor_ids must be non-empty")
	}

	envelopeBytes, err := p.fetcher.Get(ctx, req.DownloadURL, budget.MaxSingleContentBytes, budget)
	if err != nil {
		return nil, err
	}

	var envelope types.EncryptedEnvelope
	if err := json.Unmarshal(envelopeBytes, &envelope); err != nil {
		return nil, errs.Wrap(errs.BadRequest, "malformed encrypted envelope", err)
	}

	sharedKey, err := p.deriveSharedKey(envelope)
	if err != nil {
		return nil, err
	}

	plaintext, err := cryptoprimitives.Open(sharedKey, envelope.Nonce[:], envelope.Ciphertext)
	if err != nil {
		return nil, errs.Wrap(errs.Decrypt, "open client payload", err)
	}

	var payload types.ClientPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, errs.Wrap(errs.BadRequest, "malformed client payload", err)
	}

	results, err := p.runProcessors(ctx, req.ProcessorIDs, payload, budget)
	if err != nil {
		return nil, err
	}

	responseBody, err := json.Marshal(struct {
		Results []result `json:"results"`
	}{Results: results})
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "marshal verify response body", err)
	}

	nonce, ciphertext, err := cryptoprimitives.Seal(sharedKey, responseBody)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "seal verify response", err)
	}
	return &Response{Nonce: nonce, Ciphertext: ciphertext}, nil
}

// deriveSharedKey computes the ECDH shared secret between this
// environment's static encryption key and the client's ephemeral key,
// then HKDF-expands it into the AES-256-GCM session key.
func (p *Pipeline) deriveSharedKey(envelope types.EncryptedEnvelope) ([]byte, error) {
	peerPub, err := cryptoprimitives.X25519PublicFromBytes(envelope.EphemeralPubkey[:])
	if err != nil {
		return nil, errs.Wrap(errs.Decrypt, "parse ephemeral public key", err)
	}
	shared, err := cryptoprimitives.DeriveShared(p.env.EncryptionSecretKey(), peerPub)
	if err != nil {
		return nil, errs.Wrap(errs.Decrypt, "ecdh derivation failed", err)
	}
	return cryptoprimitives.DeriveSessionKey(shared)
}

// runProcessors runs core (if requested) before any extension, per the
// §4.6 core-first ordering rule, then runs every extension processor.
// Any single processor failing aborts the whole request.
func (p *Pipeline) runProcessors(ctx context.Context, processorIDs []string, payload types.ClientPayload, budget types.ResourceBudget) ([]result, error) {
	results := make([]result, 0, len(processorIDs))

	runCore := false
	extensionIDs := make([]string, 0, len(processorIDs))
	for _, id := range processorIDs {
		if id == CoreProcessorID {
			runCore = true
			continue
		}
		extensionIDs = append(extensionIDs, id)
	}

	if runCore {
		signed, err := p.runCore(ctx, payload, budget)
		if err != nil {
			return nil, err
		}
		results = append(results, result{ProcessorID: CoreProcessorID, Signed: *signed})
	}

	for _, extID := range extensionIDs {
		signed, err := p.runExtension(ctx, extID, payload, budget)
		if err != nil {
			return nil, err
		}
		results = append(results, result{ProcessorID: extID, Signed: *signed})
	}

	return results, nil
}

// runCore runs the C2PA engine end to end and signs its product.
func (p *Pipeline) runCore(ctx context.Context, payload types.ClientPayload, budget types.ResourceBudget) (*types.SignedAttestation, error) {
	set, err := c2pa.Verify(payload.Content)
	if err != nil {
		return nil, err
	}

	snapshot := p.trust.Snapshot()
	maxGraphSize := budget.MaxGraphSize
	if maxGraphSize <= 0 {
		maxGraphSize = 4096
	}
	dag, err := c2pa.BuildProvenanceGraph(set, maxGraphSize)
	if err != nil {
		return nil, err
	}

	contentHash := c2pa.ContentIdentifier(set)
	contentType := c2pa.DetectContentType(payload.Content)

	corePayload := &types.CorePayload{
		ContentHash:   contentHash,
		ContentType:   contentType,
		CreatorWallet: payload.OwnerWallet,
		Nodes:         dag.Nodes,
		Links:         dag.Links,
	}

	if ts, ok := c2pa.ExtractTimestamp(set, snapshot.TimestampAuthorityTrusted); ok {
		secs := ts.UnixSecs
		corePayload.TSATimestamp = &secs
		corePayload.TSAPubkeyHash = cryptoprimitives.ContentHashHex(ts.SignerKeyHash)
		corePayload.TSATokenData = base64.StdEncoding.EncodeToString(ts.TokenData)
	}

	attributes := []types.Attribute{
		{TraitType: "protocol", Value: types.ProtocolVersion},
		{TraitType: "content_hash", Value: contentHash},
	}

	return p.sign(ctx, corePayload, attributes, contentHash, CoreProcessorID)
}

// runExtension verifies extID's trust record, instantiates its module
// under the WASM sandbox, and signs its result.
func (p *Pipeline) runExtension(ctx context.Context, extID string, payload types.ClientPayload, budget types.ResourceBudget) (*types.SignedAttestation, error) {
	snapshot := p.trust.Snapshot()
	trustedHash, ok := snapshot.WasmHashFor(extID)
	if !ok {
		return nil, errs.New(errs.Forbidden, "extension has no trust record: "+extID)
	}

	if err := p.registry.Load(ctx, p.sandbox, extID); err != nil {
		return nil, errs.Wrap(errs.Forbidden, "load extension module", err)
	}

	input := payload.ExtensionInputs[extID]
	limits := wasmsandbox.DefaultLimits
	limits.MaxMemoryPages = uint32(budget.MaxSingleContentBytes/(64<<10)) + 16

	resultBytes, err := p.sandbox.Invoke(ctx, trustedHash, "run", payload.Content, input, limits)
	if err != nil {
		return nil, err
	}

	extPayload := &types.ExtensionPayload{
		ExtensionID: extID,
		WasmHash:    trustedHash,
		Result:      resultBytes,
	}
	if input != nil {
		h := cryptoprimitives.ContentHash(input)
		extPayload.ExtensionInputHash = cryptoprimitives.ContentHashHex(h)
	}

	attributes := []types.Attribute{
		{TraitType: "protocol", Value: types.ProtocolVersion},
		{TraitType: "extension_id", Value: extID},
	}

	return p.sign(ctx, extPayload, attributes, "", extID)
}

// sign builds the common SignedAttestation envelope around payload,
// covering {payload, attributes} with this environment's signing key, and
// records a best-effort audit entry.
func (p *Pipeline) sign(ctx context.Context, payload interface{}, attributes []types.Attribute, contentHash, processorID string) (*types.SignedAttestation, error) {
	canonical, err := types.CanonicalAttestationBytes(payload, attributes)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "canonicalize attestation payload", err)
	}
	sig, err := p.env.Sign(canonical)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "sign attestation", err)
	}

	teeType, document, err := p.env.GetAttestation(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "get environment attestation", err)
	}

	attestation := &types.SignedAttestation{
		Protocol:       types.ProtocolVersion,
		TeeType:        teeType,
		TeePubkey:      base58.Encode(p.env.SigningPubkey()),
		TeeSignature:   base64.StdEncoding.EncodeToString(sig),
		TeeAttestation: base64.StdEncoding.EncodeToString(document),
		Attributes:     attributes,
	}
	switch v := payload.(type) {
	case *types.CorePayload:
		attestation.Core = v
	case *types.ExtensionPayload:
		attestation.Extension = v
	}

	if p.store != nil {
		rec := persistence.AttestationRecord{
			RecordedAt:    time.Now().Unix(),
			ProcessorID:   processorID,
			TeeType:       teeType,
			TeePubkey:     attestation.TeePubkey,
			ContentHash:   contentHash,
			RequestKind:   "verify",
			OutcomeStatus: "signed",
		}
		if err := p.store.RecordAttestation(rec); err != nil {
			p.logger.Warn("audit ledger write failed", zap.Error(err))
		}
	}

	return attestation, nil
}
