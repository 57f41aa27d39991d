// Package node is title-node's HTTP dispatcher: it routes the three
// public operations (§4.11), the well-known node-info document, the
// health check, and the token-guarded admin trust-config refresh (§12.1),
// threading every inbound POST through gateway-auth, state check, and
// budget resolution before handing off to the component pipeline.
package node

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"go.uber.org/zap"

	"github.com/titleprotocol/core/pkg/environment"
	"github.com/titleprotocol/core/pkg/errs"
	"github.com/titleprotocol/core/pkg/gateway"
	"github.com/titleprotocol/core/pkg/lifecycle"
	"github.com/titleprotocol/core/pkg/persistence"
	"github.com/titleprotocol/core/pkg/signpipeline"
	"github.com/titleprotocol/core/pkg/treebootstrap"
	"github.com/titleprotocol/core/pkg/trust"
	"github.com/titleprotocol/core/pkg/types"
	"github.com/titleprotocol/core/pkg/verifypipeline"
	"github.com/titleprotocol/core/pkg/wasmsandbox"
)

// nodeInfoLimits is the subset of a ResourceBudget the well-known document
// publishes; the rest stays internal operator configuration.
type nodeInfoLimits struct {
	MaxSingleContentBytes int64 `json:"max_single_content_bytes"`
	MaxConcurrentBytes    int64 `json:"max_concurrent_bytes"`
}

type nodeInfo struct {
	SigningPubkey       string         `json:"signing_pubkey"`
	EncryptionPubkey    string         `json:"encryption_pubkey"`
	SupportedExtensions []string       `json:"supported_extensions"`
	Limits              nodeInfoLimits `json:"limits"`
}

// Server handles HTTP requests for title-node's public and admin surfaces.
type Server struct {
	env         environment.Identity
	gate        *lifecycle.Gate
	trustStore  *trust.Store
	registry    *wasmsandbox.Registry
	store       persistence.Store
	gatewayAuth *gateway.Checker
	adminToken  string
	budget      types.ResourceBudget

	verify *verifypipeline.Pipeline
	sign   *signpipeline.Pipeline
	tree   *treebootstrap.Pipeline

	logger     *zap.Logger
	httpServer *http.Server
}

// Config bundles every Server dependency; built by cmd/title-node from
// parsed flags and constructed sub-packages.
type Config struct {
	Env         environment.Identity
	Gate        *lifecycle.Gate
	TrustStore  *trust.Store
	Registry    *wasmsandbox.Registry
	Store       persistence.Store
	GatewayAuth *gateway.Checker
	AdminToken  string
	Budget      types.ResourceBudget

	Verify *verifypipeline.Pipeline
	Sign   *signpipeline.Pipeline
	Tree   *treebootstrap.Pipeline

	Port   int
	Logger *zap.Logger
}

// NewServer builds a Server and wires its routes.
func NewServer(cfg Config) *Server {
	s := &Server{
		env:         cfg.Env,
		gate:        cfg.Gate,
		trustStore:  cfg.TrustStore,
		registry:    cfg.Registry,
		store:       cfg.Store,
		gatewayAuth: cfg.GatewayAuth,
		adminToken:  cfg.AdminToken,
		budget:      cfg.Budget,
		verify:      cfg.Verify,
		sign:        cfg.Sign,
		tree:        cfg.Tree,
		logger:      cfg.Logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/verify", s.handleVerify)
	mux.HandleFunc("/sign", s.handleSign)
	mux.HandleFunc("/create-tree", s.handleCreateTree)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/.well-known/title-node-info", s.handleNodeInfo)
	mux.HandleFunc("/admin/trust-config", s.handleAdminTrustConfig)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: withRequestID(mux),
	}
	return s
}

const requestIDHeader = "X-Request-Id"

// withRequestID stamps every request with a fresh request ID, returned in
// the response header. It never
// trusts a caller-supplied ID: gateway envelopes aren't authenticated yet
// at this point in the stack.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// Start starts the HTTP server in the background.
func (s *Server) Start() error {
	go func() {
		s.logger.Sugar().Infow("starting HTTP server", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Sugar().Errorw("HTTP server error", "error", err)
		}
	}()
	return nil
}

// Stop stops the HTTP server.
func (s *Server) Stop() error {
	return s.httpServer.Close()
}

// GetHandler returns the HTTP handler, for testing.
func (s *Server) GetHandler() http.Handler {
	return s.httpServer.Handler
}

// handleVerify serves POST /verify.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifypipeline.Request
	budget, ok := s.decodeEnvelope(w, r, &req)
	if !ok {
		return
	}
	resp, err := s.verify.Run(r.Context(), req, budget)
	s.writeResult(w, resp, err, "verify")
}

// handleSign serves POST /sign.
func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	var req signpipeline.Request
	budget, ok := s.decodeEnvelope(w, r, &req)
	if !ok {
		return
	}
	resp, err := s.sign.Run(r.Context(), req, budget)
	s.writeResult(w, resp, err, "sign")
}

// handleCreateTree serves POST /create-tree. On success it records the
// freshly minted tree address with the sign pipeline, since §4.7's mint-v2
// instruction needs it and it is only known after bootstrap runs.
func (s *Server) handleCreateTree(w http.ResponseWriter, r *http.Request) {
	var req treebootstrap.Request
	_, ok := s.decodeEnvelope(w, r, &req)
	if !ok {
		return
	}
	resp, err := s.tree.Run(r.Context(), req)
	if err == nil && resp != nil {
		if treeAddr, parseErr := parsePublicKey(resp.TreeAddress); parseErr == nil {
			s.sign.SetTreeAddress(treeAddr)
		}
	}
	s.writeResult(w, resp, err, "create-tree")
}

// handleHealth serves GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok"))
}

// handleNodeInfo serves GET /.well-known/title-node-info.
func (s *Server) handleNodeInfo(w http.ResponseWriter, r *http.Request) {
	extensions := make([]string, 0)
	for _, d := range s.registry.Descriptors() {
		if d.Available {
			extensions = append(extensions, d.ExtensionID)
		}
	}

	info := nodeInfo{
		SigningPubkey:       encodeBase58Pubkey(s.env.SigningPubkey()),
		EncryptionPubkey:    encodeBase58Pubkey(s.env.EncryptionPubkey().Bytes()),
		SupportedExtensions: extensions,
		Limits: nodeInfoLimits{
			MaxSingleContentBytes: s.budget.MaxSingleContentBytes,
			MaxConcurrentBytes:    s.budget.MaxConcurrentBytes,
		},
	}
	s.writeJSON(w, http.StatusOK, info)
}

// handleAdminTrustConfig serves the §12.1 admin endpoint: a fresh
// TrustConfig swaps atomically into the shared trust.Store, guarded by a
// separate admin token that is never the gateway signing key. The token is
// the only guard; the caller's remote address is not checked.
func (s *Server) handleAdminTrustConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorizedAdmin(r) {
		s.writeError(w, errs.New(errs.Unauthorized, "missing or invalid admin token"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
	if err != nil {
		s.writeError(w, errs.Wrap(errs.BadRequest, "read admin request body", err))
		return
	}
	var next types.TrustConfig
	if err := json.Unmarshal(body, &next); err != nil {
		s.writeError(w, errs.Wrap(errs.BadRequest, "malformed trust config", err))
		return
	}

	s.trustStore.Replace(&next)
	s.logger.Sugar().Infow("trust config refreshed", "authority", next.Authority)
	s.writeJSON(w, http.StatusOK, struct {
		Status string `json:"status"`
	}{Status: "ok"})
}

func (s *Server) authorizedAdmin(r *http.Request) bool {
	if s.adminToken == "" {
		return false
	}
	got := r.Header.Get(adminTokenHeader)
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.adminToken)) == 1
}

const adminTokenHeader = "X-Title-Admin-Token"

// decodeEnvelope reads the GatewayEnvelope, verifies its gateway
// signature, decodes its inner body into dst, and returns the effective
// ResourceBudget. Every failure here has already written the HTTP
// response; callers must return immediately when ok is false.
func (s *Server) decodeEnvelope(w http.ResponseWriter, r *http.Request, dst interface{}) (types.ResourceBudget, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.budget.MaxSingleContentBytes+1))
	if err != nil {
		s.writeError(w, errs.Wrap(errs.BadRequest, "read request body", err))
		return types.ResourceBudget{}, false
	}

	var envelope types.GatewayEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		s.writeError(w, errs.Wrap(errs.BadRequest, "malformed gateway envelope", err))
		return types.ResourceBudget{}, false
	}
	envelope.Method = r.Method
	envelope.Path = r.URL.Path

	if err := s.gatewayAuth.Verify(envelope); err != nil {
		s.writeError(w, err)
		return types.ResourceBudget{}, false
	}

	if ok := s.checkReplay(w, envelope); !ok {
		return types.ResourceBudget{}, false
	}

	if err := json.Unmarshal(envelope.BodyBytes, dst); err != nil {
		s.writeError(w, errs.Wrap(errs.BadRequest, "malformed request body", err))
		return types.ResourceBudget{}, false
	}

	budget := envelope.ResourceBudget
	if budget.MaxSingleContentBytes == 0 {
		budget = s.budget
	}
	return budget, true
}

func (s *Server) writeResult(w http.ResponseWriter, resp interface{}, err error, op string) {
	if err != nil {
		s.logger.Sugar().Warnw("pipeline failed", "op", op, "kind", errs.KindOf(err), "error", err)
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errs.HTTPStatus(err))
	_ = json.NewEncoder(w).Encode(struct {
		Kind  string `json:"kind"`
		Error string `json:"error"`
	}{Kind: string(errs.KindOf(err)), Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// checkReplay rejects an exact repeat of a previously seen gateway
// signature within its replay window, per §12.4. A nil store (e.g. a
// memory-backed dev deployment wired without one) skips the guard, so every
// request is admitted; a failed store lookup also admits the request.
func (s *Server) checkReplay(w http.ResponseWriter, envelope types.GatewayEnvelope) bool {
	if s.store == nil {
		return true
	}
	sigHash := sha256.Sum256(envelope.GatewaySignature)
	seen, err := s.store.SeenNonce(sigHash)
	if err != nil {
		s.logger.Sugar().Warnw("replay guard lookup failed", "error", err)
		return true
	}
	if seen {
		s.writeError(w, errs.New(errs.Unauthorized, "gateway signature already used"))
		return false
	}

	ttl := time.Duration(s.budget.ChunkReadTimeoutSec) * time.Second
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if err := s.store.MarkNonceSeen(sigHash, ttl); err != nil {
		s.logger.Sugar().Warnw("replay guard write failed", "error", err)
	}
	return true
}

func encodeBase58Pubkey(b []byte) string {
	return base58.Encode(b)
}

func parsePublicKey(b58 string) (solana.PublicKey, error) {
	return solana.PublicKeyFromBase58(b58)
}
