package signpipeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	solana "github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/require"

	"github.com/titleprotocol/core/pkg/admission"
	"github.com/titleprotocol/core/pkg/config"
	"github.com/titleprotocol/core/pkg/environment"
	"github.com/titleprotocol/core/pkg/errs"
	"github.com/titleprotocol/core/pkg/fetcher"
	"github.com/titleprotocol/core/pkg/lifecycle"
	"github.com/titleprotocol/core/pkg/trust"
	"github.com/titleprotocol/core/pkg/types"
)

func newTestFetcher() *fetcher.Fetcher {
	admitter := admission.New(config.DefaultResourceBudget.MaxConcurrentBytes)
	return fetcher.New(fetcher.NewDirectBridge(0), admitter)
}

const testCollection = "11111111111111111111111111111111"
const testCompression = "So11111111111111111111111111111111111111112"

func newTestPipeline(t *testing.T) (*Pipeline, *environment.Mock, *lifecycle.Gate) {
	t.Helper()
	env := environment.NewMock()
	require.NoError(t, env.GenerateSigningKeypair(context.Background()))

	gate := lifecycle.NewGate()
	trustStore := trust.NewStore(&types.TrustConfig{
		CoreCollection: testCollection,
		ExtCollection:  testCollection,
	})
	f := newTestFetcher()

	treeAddr, err := solana.PublicKeyFromBase58(testCollection)
	require.NoError(t, err)
	compressionAddr, err := solana.PublicKeyFromBase58(testCompression)
	require.NoError(t, err)

	p := New(env, gate, trustStore, f, compressionAddr, nil, nil)
	p.SetTreeAddress(treeAddr)
	return p, env, gate
}

func signedAttestationServer(t *testing.T, env *environment.Mock, core *types.CorePayload) *httptest.Server {
	t.Helper()
	attributes := []types.Attribute{{TraitType: "protocol", Value: types.ProtocolVersion}}

	canonical, err := types.CanonicalAttestationBytes(core, attributes)
	require.NoError(t, err)
	sig, err := env.Sign(canonical)
	require.NoError(t, err)

	attestation := types.SignedAttestation{
		Protocol:       types.ProtocolVersion,
		TeeType:        "mock",
		TeePubkey:      base58.Encode(env.SigningPubkey()),
		TeeSignature:   base64.StdEncoding.EncodeToString(sig),
		TeeAttestation: base64.StdEncoding.EncodeToString([]byte("{}")),
		Core:           core,
		Attributes:     attributes,
	}
	body, err := json.Marshal(attestation)
	require.NoError(t, err)

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
}

func TestPipeline_RunFailsWhileInactive(t *testing.T) {
	p, _, _ := newTestPipeline(t)

	_, err := p.Run(context.Background(), Request{
		RecentBlockhash: testCollection,
		Requests:        []Item{{SignedJSONURI: "http://example"}},
	}, config.DefaultResourceBudget)
	require.Error(t, err)
	require.Equal(t, errs.InvalidState, errs.KindOf(err))
}

func TestPipeline_RunRejectsEmptyBatch(t *testing.T) {
	p, _, gate := newTestPipeline(t)
	require.NoError(t, gate.Activate())

	_, err := p.Run(context.Background(), Request{RecentBlockhash: testCollection}, config.DefaultResourceBudget)
	require.Error(t, err)
	require.Equal(t, errs.BadRequest, errs.KindOf(err))
}

func TestPipeline_RunSignsSelfVerifiedAttestation(t *testing.T) {
	p, env, gate := newTestPipeline(t)
	require.NoError(t, gate.Activate())

	core := &types.CorePayload{
		ContentHash:   "abc123",
		ContentType:   "image/jpeg",
		CreatorWallet: testCompression,
		Nodes:         []types.DAGNode{{ID: "abc123", Kind: types.NodeFinal}},
	}
	srv := signedAttestationServer(t, env, core)
	defer srv.Close()

	resp, err := p.Run(context.Background(), Request{
		RecentBlockhash: testCollection,
		Requests:        []Item{{SignedJSONURI: srv.URL}},
	}, config.DefaultResourceBudget)
	require.NoError(t, err)
	require.Len(t, resp.PartialTxs, 1)

	raw, err := base64.StdEncoding.DecodeString(resp.PartialTxs[0])
	require.NoError(t, err)
	require.NotEmpty(t, raw)
}

func TestPipeline_RunFailsWithoutTreeAddress(t *testing.T) {
	env := environment.NewMock()
	require.NoError(t, env.GenerateSigningKeypair(context.Background()))
	gate := lifecycle.NewGate()
	require.NoError(t, gate.Activate())
	trustStore := trust.NewStore(&types.TrustConfig{CoreCollection: testCollection, ExtCollection: testCollection})
	f := newTestFetcher()
	compressionAddr, err := solana.PublicKeyFromBase58(testCompression)
	require.NoError(t, err)
	p := New(env, gate, trustStore, f, compressionAddr, nil, nil)

	core := &types.CorePayload{
		ContentHash: "abc123", ContentType: "image/jpeg", CreatorWallet: testCompression,
		Nodes: []types.DAGNode{{ID: "abc123", Kind: types.NodeFinal}},
	}
	srv := signedAttestationServer(t, env, core)
	defer srv.Close()

	_, err = p.Run(context.Background(), Request{
		RecentBlockhash: testCollection,
		Requests:        []Item{{SignedJSONURI: srv.URL}},
	}, config.DefaultResourceBudget)
	require.Error(t, err)
	require.Equal(t, errs.Internal, errs.KindOf(err))
}

func TestPipeline_RunRejectsForeignSigningKey(t *testing.T) {
	p, _, gate := newTestPipeline(t)
	require.NoError(t, gate.Activate())

	foreign := environment.NewMock()
	require.NoError(t, foreign.GenerateSigningKeypair(context.Background()))

	core := &types.CorePayload{
		ContentHash:   "abc123",
		ContentType:   "image/jpeg",
		CreatorWallet: testCompression,
		Nodes:         []types.DAGNode{{ID: "abc123", Kind: types.NodeFinal}},
	}
	srv := signedAttestationServer(t, foreign, core)
	defer srv.Close()

	_, err := p.Run(context.Background(), Request{
		RecentBlockhash: testCollection,
		Requests:        []Item{{SignedJSONURI: srv.URL}},
	}, config.DefaultResourceBudget)
	require.Error(t, err)
	require.Equal(t, errs.RejectedSignature, errs.KindOf(err))
}
