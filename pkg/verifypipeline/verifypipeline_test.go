package verifypipeline

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/titleprotocol/core/pkg/admission"
	"github.com/titleprotocol/core/pkg/config"
	"github.com/titleprotocol/core/pkg/cryptoprimitives"
	"github.com/titleprotocol/core/pkg/environment"
	"github.com/titleprotocol/core/pkg/errs"
	"github.com/titleprotocol/core/pkg/fetcher"
	"github.com/titleprotocol/core/pkg/lifecycle"
	"github.com/titleprotocol/core/pkg/persistence/memory"
	"github.com/titleprotocol/core/pkg/trust"
	"github.com/titleprotocol/core/pkg/types"
	"github.com/titleprotocol/core/pkg/wasmsandbox"
)

func newTestPipeline(t *testing.T) (*Pipeline, *environment.Mock, *lifecycle.Gate) {
	t.Helper()
	env := environment.NewMock()
	require.NoError(t, env.GenerateSigningKeypair(context.Background()))
	require.NoError(t, env.GenerateEncryptionKeypair(context.Background()))

	gate := lifecycle.NewGate()
	trustStore := trust.NewStore(&types.TrustConfig{})
	admitter := admission.New(config.DefaultResourceBudget.MaxConcurrentBytes)
	f := fetcher.New(fetcher.NewDirectBridge(0), admitter)
	sandbox, err := wasmsandbox.New(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sandbox.Close(context.Background()) })
	registry := wasmsandbox.NewRegistry(t.TempDir(), trustStore, zap.NewNop())
	store := memory.New()

	p := New(env, gate, trustStore, f, sandbox, registry, store, zap.NewNop())
	return p, env, gate
}

func TestPipeline_RunFailsWhileInactive(t *testing.T) {
	p, _, _ := newTestPipeline(t)

	_, err := p.Run(context.Background(), Request{DownloadURL: "http://example", ProcessorIDs: []string{CoreProcessorID}}, config.DefaultResourceBudget)
	require.Error(t, err)
	require.Equal(t, errs.InvalidState, errs.KindOf(err))
}

func TestPipeline_RunRejectsEmptyProcessorList(t *testing.T) {
	p, _, gate := newTestPipeline(t)
	require.NoError(t, gate.Activate())

	_, err := p.Run(context.Background(), Request{DownloadURL: "http://example"}, config.DefaultResourceBudget)
	require.Error(t, err)
	require.Equal(t, errs.BadRequest, errs.KindOf(err))
}

// sealedEnvelopeServer seals a ClientPayload under env's encryption key and
// serves it as the encrypted envelope an outbound fetch would retrieve.
func sealedEnvelopeServer(t *testing.T, env *environment.Mock, payload types.ClientPayload) *httptest.Server {
	t.Helper()
	clientSk, err := cryptoprimitives.GenerateX25519Keypair(rand.Reader)
	require.NoError(t, err)
	shared, err := cryptoprimitives.DeriveShared(clientSk, env.EncryptionPubkey())
	require.NoError(t, err)
	key, err := cryptoprimitives.DeriveSessionKey(shared)
	require.NoError(t, err)

	payloadBytes, err := json.Marshal(payload)
	require.NoError(t, err)
	nonce, ciphertext, err := cryptoprimitives.Seal(key, payloadBytes)
	require.NoError(t, err)

	var ephemeralPub [32]byte
	copy(ephemeralPub[:], clientSk.PublicKey().Bytes())
	var nonceArr [12]byte
	copy(nonceArr[:], nonce)

	envelope := types.EncryptedEnvelope{EphemeralPubkey: ephemeralPub, Nonce: nonceArr, Ciphertext: ciphertext}
	envelopeBytes, err := json.Marshal(envelope)
	require.NoError(t, err)

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(envelopeBytes)
	}))
}

func TestPipeline_RunRejectsUntrustedExtension(t *testing.T) {
	p, env, gate := newTestPipeline(t)
	require.NoError(t, gate.Activate())

	srv := sealedEnvelopeServer(t, env, types.ClientPayload{OwnerWallet: "W111", Content: []byte("not a real jpeg")})
	defer srv.Close()

	_, err := p.Run(context.Background(), Request{DownloadURL: srv.URL, ProcessorIDs: []string{"unknown-ext"}}, config.DefaultResourceBudget)
	require.Error(t, err)
	require.Equal(t, errs.Forbidden, errs.KindOf(err))
}

func TestPipeline_RunFailsDecryptOnTamperedCiphertext(t *testing.T) {
	p, env, gate := newTestPipeline(t)
	require.NoError(t, gate.Activate())

	clientSk, err := cryptoprimitives.GenerateX25519Keypair(rand.Reader)
	require.NoError(t, err)
	shared, err := cryptoprimitives.DeriveShared(clientSk, env.EncryptionPubkey())
	require.NoError(t, err)
	key, err := cryptoprimitives.DeriveSessionKey(shared)
	require.NoError(t, err)

	_, ciphertext, err := cryptoprimitives.Seal(key, []byte(`{"owner_wallet":"W111"}`))
	require.NoError(t, err)
	ciphertext[0] ^= 0xff // tamper

	var ephemeralPub [32]byte
	copy(ephemeralPub[:], clientSk.PublicKey().Bytes())
	envelope := types.EncryptedEnvelope{EphemeralPubkey: ephemeralPub, Ciphertext: ciphertext}
	envelopeBytes, err := json.Marshal(envelope)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(envelopeBytes)
	}))
	defer srv.Close()

	_, err = p.Run(context.Background(), Request{DownloadURL: srv.URL, ProcessorIDs: []string{CoreProcessorID}}, config.DefaultResourceBudget)
	require.Error(t, err)
	require.Equal(t, errs.Decrypt, errs.KindOf(err))
}
