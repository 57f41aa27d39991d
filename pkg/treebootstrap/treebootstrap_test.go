package treebootstrap

import (
	"context"
	"encoding/base64"
	"testing"

	solana "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"github.com/titleprotocol/core/pkg/environment"
	"github.com/titleprotocol/core/pkg/errs"
	"github.com/titleprotocol/core/pkg/lifecycle"
	"github.com/titleprotocol/core/pkg/types"
)

const testCompressionProgram = "So11111111111111111111111111111111111111112"
const testPayer = "11111111111111111111111111111111"
const testBlockhash = "11111111111111111111111111111111"

func newTestPipeline(t *testing.T) (*Pipeline, *environment.Mock, *lifecycle.Gate) {
	t.Helper()
	env := environment.NewMock()
	require.NoError(t, env.GenerateSigningKeypair(context.Background()))
	require.NoError(t, env.GenerateEncryptionKeypair(context.Background()))

	gate := lifecycle.NewGate()
	compressionProgram, err := solana.PublicKeyFromBase58(testCompressionProgram)
	require.NoError(t, err)

	return New(env, gate, compressionProgram), env, gate
}

func TestPipeline_RunRejectsWhileActive(t *testing.T) {
	p, _, gate := newTestPipeline(t)
	require.NoError(t, gate.Activate())

	_, err := p.Run(context.Background(), Request{
		MaxDepth: 14, MaxBufferSize: 64, CanopyDepth: 0,
		RecentBlockhash: testBlockhash, PayerWallet: testPayer, RentLamports: 1,
	})
	require.Error(t, err)
	require.Equal(t, errs.InvalidState, errs.KindOf(err))
}

func TestPipeline_RunBootstrapsAndActivates(t *testing.T) {
	p, _, gate := newTestPipeline(t)

	resp, err := p.Run(context.Background(), Request{
		MaxDepth: 14, MaxBufferSize: 64, CanopyDepth: 0,
		RecentBlockhash: testBlockhash, PayerWallet: testPayer, RentLamports: 1_000_000,
	})
	require.NoError(t, err)
	require.Equal(t, types.StateActive, gate.State())
	require.NotEmpty(t, resp.TreeAddress)
	require.NotEmpty(t, resp.SigningPubkey)
	require.NotEmpty(t, resp.EncryptionPubkey)

	raw, err := base64.StdEncoding.DecodeString(resp.PartialTx)
	require.NoError(t, err)
	require.NotEmpty(t, raw)

	// A second call must fail: the gate already transitioned.
	_, err = p.Run(context.Background(), Request{
		MaxDepth: 14, MaxBufferSize: 64, CanopyDepth: 0,
		RecentBlockhash: testBlockhash, PayerWallet: testPayer, RentLamports: 1_000_000,
	})
	require.Error(t, err)
	require.Equal(t, errs.InvalidState, errs.KindOf(err))
}

func TestPipeline_RunRejectsZeroRent(t *testing.T) {
	p, _, _ := newTestPipeline(t)

	_, err := p.Run(context.Background(), Request{
		MaxDepth: 14, MaxBufferSize: 64, CanopyDepth: 0,
		RecentBlockhash: testBlockhash, PayerWallet: testPayer,
	})
	require.Error(t, err)
	require.Equal(t, errs.BadRequest, errs.KindOf(err))
}
