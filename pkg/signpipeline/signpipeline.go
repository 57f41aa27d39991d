// Package signpipeline orchestrates the §4.7 Sign operation: fetch a
// previously signed attestation, self-verify it against this
// environment's current signing key, build a Bubblegum-style mint-v2
// instruction, and partially sign the resulting transaction.
package signpipeline

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"sync/atomic"
	"time"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
	"go.uber.org/zap"

	"github.com/titleprotocol/core/pkg/cryptoprimitives"
	"github.com/titleprotocol/core/pkg/environment"
	"github.com/titleprotocol/core/pkg/errs"
	"github.com/titleprotocol/core/pkg/fetcher"
	"github.com/titleprotocol/core/pkg/lifecycle"
	"github.com/titleprotocol/core/pkg/persistence"
	"github.com/titleprotocol/core/pkg/trust"
	"github.com/titleprotocol/core/pkg/types"
)

// attestationFetchCap is the strict size cap §4.7 puts on a fetched
// signed_json_uri, independent of any request's resource_budget.
const attestationFetchCap = 1 << 20

// bubblegumMintV2Discriminator tags a mint_v2 instruction, matching the
// first 8 bytes an Anchor-style compression program expects ahead of its
// borsh-encoded argument struct.
var bubblegumMintV2Discriminator = [8]byte{0x9f, 0x44, 0x65, 0x34, 0x6a, 0x3b, 0x73, 0xc9}

// Request is the decoded body of POST /sign.
type Request struct {
	RecentBlockhash string `json:"recent_blockhash"`
	Requests        []Item `json:"requests"`
}

// Item is one entry of a sign batch.
type Item struct {
	SignedJSONURI string `json:"signed_json_uri"`
}

// Response is the batch's pre-signed transactions, each awaiting the
// owner wallet's signature before submission.
type Response struct {
	PartialTxs []string `json:"partial_txs"`
}

// Pipeline wires every component §4.7 touches.
type Pipeline struct {
	env         environment.Identity
	gate        *lifecycle.Gate
	trust       *trust.Store
	fetcher     *fetcher.Fetcher
	treeAddress atomic.Pointer[solana.PublicKey]
	compression solana.PublicKey
	store       persistence.Store
	logger      *zap.Logger
}

// New builds a Pipeline. compression is the fixed on-chain compression
// program address this deployment targets; the tree address is not known
// until Tree Bootstrap runs, so it is set afterwards via SetTreeAddress.
// store may be nil; a nil store skips the §12.3 local attestation audit
// ledger write.
func New(env environment.Identity, gate *lifecycle.Gate, trustStore *trust.Store, f *fetcher.Fetcher, compression solana.PublicKey, store persistence.Store, logger *zap.Logger) *Pipeline {
	return &Pipeline{env: env, gate: gate, trust: trustStore, fetcher: f, compression: compression, store: store, logger: logger}
}

// SetTreeAddress records the Merkle tree account address produced by Tree
// Bootstrap. Sign refuses with Internal until this has been called once.
func (p *Pipeline) SetTreeAddress(addr solana.PublicKey) {
	p.treeAddress.Store(&addr)
}

// Run executes the full batch. A single item failing self-verify aborts
// the entire batch: §4.7's "multiple items succeed or fail atomically".
func (p *Pipeline) Run(ctx context.Context, req Request, budget types.ResourceBudget) (*Response, error) {
	if err := p.gate.RequireActive(); err != nil {
		return nil, err
	}
	if len(req.Requests) == 0 {
		return nil, errs.New(errs.BadRequest, "requests must be non-empty")
	}
	recentBlockhash, err := solana.HashFromBase58(req.RecentBlockhash)
	if err != nil {
		return nil, errs.Wrap(errs.BadRequest, "malformed recent_blockhash", err)
	}

	partials := make([]string, 0, len(req.Requests))
	for _, item := range req.Requests {
		tx, err := p.buildOne(ctx, item, recentBlockhash, budget)
		if err != nil {
			return nil, err
		}
		partials = append(partials, tx)
	}

	return &Response{PartialTxs: partials}, nil
}

// buildOne fetches, self-verifies, and signs one batch item.
func (p *Pipeline) buildOne(ctx context.Context, item Item, recentBlockhash solana.Hash, budget types.ResourceBudget) (string, error) {
	attestationBytes, err := p.fetcher.Get(ctx, item.SignedJSONURI, attestationFetchCap, budget)
	if err != nil {
		return "", err
	}

	var attestation types.SignedAttestation
	if err := json.Unmarshal(attestationBytes, &attestation); err != nil {
		return "", errs.Wrap(errs.BadRequest, "malformed signed attestation", err)
	}

	if err := p.selfVerify(attestation); err != nil {
		return "", err
	}

	mintIx, err := p.mintInstruction(attestation, item.SignedJSONURI)
	if err != nil {
		return "", err
	}

	tx, err := solana.NewTransactionBuilder().
		AddInstruction(mintIx).
		SetRecentBlockHash(recentBlockhash).
		SetFeePayer(signerPubkey(p.env)).
		Build()
	if err != nil {
		return "", errs.Wrap(errs.Internal, "build mint transaction", err)
	}

	if err := partialSignWithEnvironment(tx, p.env); err != nil {
		return "", err
	}

	txBytes, err := tx.MarshalBinary()
	if err != nil {
		return "", errs.Wrap(errs.Internal, "serialize partial transaction", err)
	}

	p.recordAudit(attestation)

	return base64.StdEncoding.EncodeToString(txBytes), nil
}

// recordAudit writes a §12.3 observability-only entry for a mint
// transaction this environment just co-signed. Failures here never fail
// the request that produced them.
func (p *Pipeline) recordAudit(attestation types.SignedAttestation) {
	if p.store == nil {
		return
	}
	contentHash := ""
	if attestation.Core != nil {
		contentHash = attestation.Core.ContentHash
	}
	rec := persistence.AttestationRecord{
		RecordedAt:    time.Now().Unix(),
		ProcessorID:   "mint-v2",
		TeeType:       attestation.TeeType,
		TeePubkey:     attestation.TeePubkey,
		ContentHash:   contentHash,
		RequestKind:   "sign",
		OutcomeStatus: "mint_built",
	}
	if err := p.store.RecordAttestation(rec); err != nil && p.logger != nil {
		p.logger.Warn("audit ledger write failed", zap.Error(err))
	}
}

// selfVerify gates against key rotation across restarts and against URI
// substitution: the attestation must have been signed by *this*
// environment's current key, per §4.7 step 3.
func (p *Pipeline) selfVerify(attestation types.SignedAttestation) error {
	currentPubkeyB58 := base58.Encode(p.env.SigningPubkey())
	if attestation.TeePubkey != currentPubkeyB58 {
		return errs.New(errs.RejectedSignature, "attestation signed by a different environment key")
	}

	sig, err := base64.StdEncoding.DecodeString(attestation.TeeSignature)
	if err != nil {
		return errs.Wrap(errs.RejectedSignature, "malformed tee_signature", err)
	}

	var payload interface{}
	switch {
	case attestation.Core != nil:
		payload = attestation.Core
	case attestation.Extension != nil:
		payload = attestation.Extension
	default:
		return errs.New(errs.RejectedSignature, "attestation carries no payload")
	}

	canonical, err := types.CanonicalAttestationBytes(payload, attestation.Attributes)
	if err != nil {
		return errs.Wrap(errs.Internal, "canonicalize attestation payload", err)
	}

	if !cryptoprimitives.Verify(p.env.SigningPubkey(), canonical, sig) {
		return errs.New(errs.RejectedSignature, "ed25519_verify failed over attestation payload")
	}
	return nil
}

// mintInstruction builds the Bubblegum-style mint-v2 instruction for
// attestation, selecting the on-chain collection and creator/owner per
// §4.7 step 4. metadataURI is the off-chain signed_json_uri the attestation
// was fetched from, not any field of the attestation payload itself — §4.7
// step 4 and §6 both require the minted leaf's metadata URI to point back
// at the stored attestation, so the caller's fetch URI is what gets encoded.
func (p *Pipeline) mintInstruction(attestation types.SignedAttestation, metadataURI string) (solana.Instruction, error) {
	treeAddr := p.treeAddress.Load()
	if treeAddr == nil {
		return nil, errs.New(errs.Internal, "tree address not yet bootstrapped")
	}
	snapshot := p.trust.Snapshot()

	var collection, ownerWallet string
	switch {
	case attestation.Core != nil:
		collection = snapshot.CoreCollection
		ownerWallet = attestation.Core.CreatorWallet
	case attestation.Extension != nil:
		collection = snapshot.ExtCollection
	default:
		return nil, errs.New(errs.RejectedSignature, "attestation carries no payload")
	}

	collectionPub, err := solana.PublicKeyFromBase58(collection)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "parse trusted collection address", err)
	}

	ownerPub := signerPubkey(p.env)
	if ownerWallet != "" {
		ownerPub, err = solana.PublicKeyFromBase58(ownerWallet)
		if err != nil {
			return nil, errs.Wrap(errs.BadRequest, "parse creator_wallet", err)
		}
	}

	data, err := encodeMintV2Args(metadataURI)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "encode mint_v2 instruction data", err)
	}

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(*treeAddr, true, false),
		solana.NewAccountMeta(collectionPub, false, false),
		solana.NewAccountMeta(ownerPub, false, false),
		solana.NewAccountMeta(signerPubkey(p.env), false, true),
	}

	return solana.NewInstruction(p.compression, accounts, data), nil
}

// mintV2Args is the borsh-encoded argument struct a mint-v2 instruction
// carries after its discriminator: just the leaf metadata URI, since the
// tree, collection, and owner accounts are addressed positionally.
type mintV2Args struct {
	MetadataURI string
}

func encodeMintV2Args(metadataURI string) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Write(bubblegumMintV2Discriminator[:])
	enc := bin.NewBorshEncoder(buf)
	if err := enc.Encode(mintV2Args{MetadataURI: metadataURI}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// partialSignWithEnvironment signs tx's message with the environment's
// Ed25519 signing key, filling only the signature slot at this key's
// index in the account list. Every other required signer's slot is left
// zeroed for the owner's wallet to fill in later, the Solana
// partial-signing convention this spec's "partially sign" step relies on.
func partialSignWithEnvironment(tx *solana.Transaction, env environment.Identity) error {
	messageBytes, err := tx.Message.MarshalBinary()
	if err != nil {
		return errs.Wrap(errs.Internal, "marshal transaction message", err)
	}
	sig, err := env.Sign(messageBytes)
	if err != nil {
		return errs.Wrap(errs.Internal, "sign transaction message", err)
	}

	pub := signerPubkey(env)
	idx := -1
	for i, key := range tx.Message.AccountKeys {
		if key.Equals(pub) {
			idx = i
			break
		}
	}
	if idx < 0 || idx >= len(tx.Signatures) {
		return errs.New(errs.Internal, "environment signing key is not a required signer on this transaction")
	}
	copy(tx.Signatures[idx][:], sig)
	return nil
}

// signerPubkey projects the environment's Ed25519 public key into
// solana-go's PublicKey type: the same 32 raw bytes, different wrapper.
func signerPubkey(env environment.Identity) solana.PublicKey {
	return solana.PublicKeyFromBytes(env.SigningPubkey())
}
