// Package treebootstrap implements the §4.8 Tree Bootstrap operation:
// the one-shot Merkle tree account creation that transitions the
// environment from Inactive to Active.
package treebootstrap

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/mr-tron/base58"

	"github.com/titleprotocol/core/pkg/environment"
	"github.com/titleprotocol/core/pkg/errs"
	"github.com/titleprotocol/core/pkg/lifecycle"
	"github.com/titleprotocol/core/pkg/merkle"
)

// Request is the decoded body of POST /create-tree.
type Request struct {
	MaxDepth        uint32 `json:"max_depth"`
	MaxBufferSize   uint32 `json:"max_buffer_size"`
	CanopyDepth     uint32 `json:"canopy_depth"`
	RecentBlockhash string `json:"recent_blockhash"`
	PayerWallet     string `json:"payer_wallet"`
	RentLamports    uint64 `json:"rent_lamports"`
}

// Response carries the one-time bootstrap result: the partially signed
// transaction plus the identity facts every later request is checked
// against.
type Response struct {
	PartialTx        string `json:"partial_tx"`
	TreeAddress      string `json:"tree_address"`
	SigningPubkey    string `json:"signing_pubkey"`
	EncryptionPubkey string `json:"encryption_pubkey"`
}

// Pipeline wires every component §4.8 touches.
type Pipeline struct {
	env                environment.Identity
	gate               *lifecycle.Gate
	compressionProgram solana.PublicKey
}

// New builds a Pipeline. compressionProgram is the fixed on-chain
// compression program address this deployment targets.
func New(env environment.Identity, gate *lifecycle.Gate, compressionProgram solana.PublicKey) *Pipeline {
	return &Pipeline{env: env, gate: gate, compressionProgram: compressionProgram}
}

// Run executes the one-shot bootstrap. It refuses if the environment has
// already left Inactive, generates a fresh tree keypair that is never
// retained past this call, builds the create-account + CPI-configure
// instruction pair, partially signs with both the environment key and
// the tree key, and transitions the gate to Active last — so a failure
// anywhere above never leaves the environment Active without a tree.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Response, error) {
	if err := p.gate.RequireInactive(); err != nil {
		return nil, err
	}

	recentBlockhash, err := solana.HashFromBase58(req.RecentBlockhash)
	if err != nil {
		return nil, errs.Wrap(errs.BadRequest, "malformed recent_blockhash", err)
	}
	payerPub, err := solana.PublicKeyFromBase58(req.PayerWallet)
	if err != nil {
		return nil, errs.Wrap(errs.BadRequest, "malformed payer_wallet", err)
	}
	if req.RentLamports == 0 {
		return nil, errs.New(errs.BadRequest, "rent_lamports must be nonzero")
	}

	accountSize, err := merkle.AccountSize(req.MaxDepth, req.MaxBufferSize, req.CanopyDepth)
	if err != nil {
		return nil, errs.Wrap(errs.BadRequest, "compute tree account size", err)
	}

	treePub, treeSk, err := p.env.GenerateTreeKeypair(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "generate tree keypair", err)
	}
	treeSolanaPub := solana.PublicKeyFromBytes(treePub)

	createIx, err := system.NewCreateAccountInstructionBuilder().
		SetFundingAccount(payerPub).
		SetNewAccount(treeSolanaPub).
		SetLamports(req.RentLamports).
		SetSpace(accountSize).
		SetOwner(p.compressionProgram).
		ValidateAndBuild()
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "build create-account instruction", err)
	}

	configureIx := configureTreeInstruction(p.compressionProgram, treeSolanaPub, signerPubkey(p.env), req.MaxDepth, req.MaxBufferSize)

	tx, err := solana.NewTransactionBuilder().
		AddInstruction(createIx).
		AddInstruction(configureIx).
		SetRecentBlockHash(recentBlockhash).
		SetFeePayer(payerPub).
		Build()
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "build tree bootstrap transaction", err)
	}

	if err := partialSign(tx, signerPubkey(p.env), p.env.Sign); err != nil {
		return nil, err
	}
	if err := partialSign(tx, treeSolanaPub, func(msg []byte) ([]byte, error) {
		return ed25519.Sign(treeSk, msg), nil
	}); err != nil {
		return nil, err
	}

	txBytes, err := tx.MarshalBinary()
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "serialize tree bootstrap transaction", err)
	}

	if err := p.gate.Activate(); err != nil {
		return nil, err
	}

	return &Response{
		PartialTx:        base64.StdEncoding.EncodeToString(txBytes),
		TreeAddress:      treeSolanaPub.String(),
		SigningPubkey:    base58.Encode(p.env.SigningPubkey()),
		EncryptionPubkey: base58.Encode(p.env.EncryptionPubkey().Bytes()),
	}, nil
}

// configureTreeInstruction builds the CPI-style instruction that
// configures a freshly created account as a concurrent merkle tree. No
// compression-program client binding exists to build against, so this
// is assembled directly from account metas and a small fixed-layout
// argument encoding, the same approach pkg/signpipeline takes for its
// mint-v2 instruction.
func configureTreeInstruction(compressionProgram, treeAddress, authority solana.PublicKey, maxDepth, maxBufferSize uint32) solana.Instruction {
	data := make([]byte, 0, 9)
	data = append(data, treeConfigureDiscriminator)
	data = appendUint32LE(data, maxDepth)
	data = appendUint32LE(data, maxBufferSize)

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(treeAddress, true, false),
		solana.NewAccountMeta(authority, false, true),
	}
	return solana.NewInstruction(compressionProgram, accounts, data)
}

// treeConfigureDiscriminator tags the configure-tree instruction variant
// within the compression program's instruction enum.
const treeConfigureDiscriminator byte = 0x01

func appendUint32LE(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

// partialSign signs tx's message with sign and fills only the
// signature slot belonging to pub, leaving every other required
// signer's slot untouched.
func partialSign(tx *solana.Transaction, pub solana.PublicKey, sign func([]byte) ([]byte, error)) error {
	messageBytes, err := tx.Message.MarshalBinary()
	if err != nil {
		return errs.Wrap(errs.Internal, "marshal transaction message", err)
	}
	sig, err := sign(messageBytes)
	if err != nil {
		return errs.Wrap(errs.Internal, "sign transaction message", err)
	}

	idx := -1
	for i, key := range tx.Message.AccountKeys {
		if key.Equals(pub) {
			idx = i
			break
		}
	}
	if idx < 0 || idx >= len(tx.Signatures) {
		return errs.New(errs.Internal, "key is not a required signer on this transaction")
	}
	copy(tx.Signatures[idx][:], sig)
	return nil
}

func signerPubkey(env environment.Identity) solana.PublicKey {
	return solana.PublicKeyFromBytes(env.SigningPubkey())
}
