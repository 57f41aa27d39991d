package node

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	solana "github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/titleprotocol/core/pkg/admission"
	"github.com/titleprotocol/core/pkg/config"
	"github.com/titleprotocol/core/pkg/cryptoprimitives"
	"github.com/titleprotocol/core/pkg/environment"
	"github.com/titleprotocol/core/pkg/fetcher"
	"github.com/titleprotocol/core/pkg/gateway"
	"github.com/titleprotocol/core/pkg/lifecycle"
	"github.com/titleprotocol/core/pkg/signpipeline"
	"github.com/titleprotocol/core/pkg/treebootstrap"
	"github.com/titleprotocol/core/pkg/trust"
	"github.com/titleprotocol/core/pkg/types"
	"github.com/titleprotocol/core/pkg/verifypipeline"
	"github.com/titleprotocol/core/pkg/wasmsandbox"
)

const testCompressionProgram = "So11111111111111111111111111111111111111112"
const testBlockhash = "11111111111111111111111111111111"
const testPayer = "11111111111111111111111111111111"

type testHarness struct {
	server     *Server
	gatewayPub []byte
	gatewaySk  []byte
}

func newTestServer(t *testing.T) *testHarness {
	t.Helper()
	logger := zap.NewNop()

	gatewayPub, gatewaySk, err := cryptoprimitives.GenerateSigningKeypair(rand.Reader)
	require.NoError(t, err)

	trustStore := trust.NewStore(&types.TrustConfig{
		CoreCollection:          testPayer,
		TrustedEnvironmentNodes: []types.TrustedEnvironmentNode{{GatewayPubkey: base58.Encode(gatewayPub)}},
	})

	env := environment.NewMock()
	require.NoError(t, env.GenerateSigningKeypair(context.Background()))
	require.NoError(t, env.GenerateEncryptionKeypair(context.Background()))

	gate := lifecycle.NewGate()
	compression, err := solana.PublicKeyFromBase58(testCompressionProgram)
	require.NoError(t, err)

	registry := wasmsandbox.NewRegistry(t.TempDir(), trustStore, logger)
	admitter := admission.New(config.DefaultResourceBudget.MaxConcurrentBytes)
	f := fetcher.New(fetcher.NewDirectBridge(0), admitter)

	verify := verifypipeline.New(env, gate, trustStore, f, nil, registry, nil, logger)
	sign := signpipeline.New(env, gate, trustStore, f, compression, nil, logger)
	tree := treebootstrap.New(env, gate, compression)

	srv := NewServer(Config{
		Env:         env,
		Gate:        gate,
		TrustStore:  trustStore,
		Registry:    registry,
		GatewayAuth: gateway.NewChecker(trustStore, ""),
		AdminToken:  "s3cret",
		Budget:      config.DefaultResourceBudget,
		Verify:      verify,
		Sign:        sign,
		Tree:        tree,
		Port:        0,
		Logger:      logger,
	})

	return &testHarness{server: srv, gatewayPub: gatewayPub, gatewaySk: gatewaySk}
}

func (h *testHarness) signedEnvelope(t *testing.T, method, path string, body interface{}) []byte {
	t.Helper()
	bodyBytes, err := json.Marshal(body)
	require.NoError(t, err)

	budget := config.DefaultResourceBudget
	canonical, err := gateway.CanonicalEnvelope(method, path, bodyBytes, budget)
	require.NoError(t, err)
	sig := cryptoprimitives.Sign(h.gatewaySk, canonical)

	envelope := types.GatewayEnvelope{
		Method: method, Path: path, BodyBytes: bodyBytes,
		ResourceBudget: budget, GatewaySignature: sig,
	}
	envBytes, err := json.Marshal(envelope)
	require.NoError(t, err)
	return envBytes
}

func TestServer_HealthReturnsOK(t *testing.T) {
	h := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.server.GetHandler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "ok", w.Body.String())
}

func TestServer_NodeInfoReportsKeysAndLimits(t *testing.T) {
	h := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/.well-known/title-node-info", nil)
	w := httptest.NewRecorder()
	h.server.GetHandler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var info nodeInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	require.NotEmpty(t, info.SigningPubkey)
	require.NotEmpty(t, info.EncryptionPubkey)
	require.Equal(t, config.DefaultResourceBudget.MaxSingleContentBytes, info.Limits.MaxSingleContentBytes)
}

func TestServer_CreateTreeRejectsUnsignedEnvelope(t *testing.T) {
	h := newTestServer(t)
	body := treebootstrap.Request{
		MaxDepth: 14, MaxBufferSize: 64, RecentBlockhash: testBlockhash,
		PayerWallet: testPayer, RentLamports: 1_000_000,
	}
	bodyBytes, err := json.Marshal(body)
	require.NoError(t, err)
	envelope := types.GatewayEnvelope{Method: "POST", Path: "/create-tree", BodyBytes: bodyBytes, ResourceBudget: config.DefaultResourceBudget}
	envBytes, err := json.Marshal(envelope)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/create-tree", bytes.NewReader(envBytes))
	w := httptest.NewRecorder()
	h.server.GetHandler().ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestServer_CreateTreeBootstrapsAndSignWiresTreeAddress(t *testing.T) {
	h := newTestServer(t)

	createBody := treebootstrap.Request{
		MaxDepth: 14, MaxBufferSize: 64, RecentBlockhash: testBlockhash,
		PayerWallet: testPayer, RentLamports: 1_000_000,
	}
	envBytes := h.signedEnvelope(t, http.MethodPost, "/create-tree", createBody)

	req := httptest.NewRequest(http.MethodPost, "/create-tree", bytes.NewReader(envBytes))
	w := httptest.NewRecorder()
	h.server.GetHandler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp treebootstrap.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.TreeAddress)
	require.Equal(t, types.StateActive, h.server.gate.State())

	// Serve an attestation signed by this node's own key, so /sign passes
	// fetch and self-verify and reaches the mint instruction, which needs
	// the tree address the handler just set.
	core := &types.CorePayload{
		ContentHash: "abc123",
		ContentType: "image/jpeg",
		Nodes:       []types.DAGNode{{ID: "abc123", Kind: types.NodeFinal}},
	}
	attrs := []types.Attribute{{TraitType: "protocol", Value: types.ProtocolVersion}}
	canonical, err := types.CanonicalAttestationBytes(core, attrs)
	require.NoError(t, err)
	teeSig, err := h.server.env.Sign(canonical)
	require.NoError(t, err)
	attestationJSON, err := json.Marshal(types.SignedAttestation{
		Protocol:     types.ProtocolVersion,
		TeeType:      "mock",
		TeePubkey:    base58.Encode(h.server.env.SigningPubkey()),
		TeeSignature: base64.StdEncoding.EncodeToString(teeSig),
		Core:         core,
		Attributes:   attrs,
	})
	require.NoError(t, err)
	attestationSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(attestationJSON)
	}))
	defer attestationSrv.Close()

	signBody := signpipeline.Request{
		RecentBlockhash: testBlockhash,
		Requests:        []signpipeline.Item{{SignedJSONURI: attestationSrv.URL}},
	}
	signEnvBytes := h.signedEnvelope(t, http.MethodPost, "/sign", signBody)
	signReq := httptest.NewRequest(http.MethodPost, "/sign", bytes.NewReader(signEnvBytes))
	signW := httptest.NewRecorder()
	h.server.GetHandler().ServeHTTP(signW, signReq)

	// Without a tree address the pipeline fails with Internal; a partial
	// transaction coming back proves the wiring took effect.
	require.Equal(t, http.StatusOK, signW.Code)
}

func TestServer_AdminTrustConfigRequiresToken(t *testing.T) {
	h := newTestServer(t)
	body, err := json.Marshal(types.TrustConfig{Authority: "new-authority"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/admin/trust-config", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.server.GetHandler().ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestServer_AdminTrustConfigRefreshesSnapshot(t *testing.T) {
	h := newTestServer(t)
	body, err := json.Marshal(types.TrustConfig{Authority: "new-authority"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/admin/trust-config", bytes.NewReader(body))
	req.Header.Set(adminTokenHeader, "s3cret")
	w := httptest.NewRecorder()
	h.server.GetHandler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "new-authority", h.server.trustStore.Snapshot().Authority)
}
