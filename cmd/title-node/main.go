package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mr-tron/base58"

	solana "github.com/gagliardetto/solana-go"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/titleprotocol/core/pkg/admission"
	"github.com/titleprotocol/core/pkg/attestation"
	"github.com/titleprotocol/core/pkg/config"
	"github.com/titleprotocol/core/pkg/environment"
	"github.com/titleprotocol/core/pkg/fetcher"
	"github.com/titleprotocol/core/pkg/gateway"
	"github.com/titleprotocol/core/pkg/lifecycle"
	"github.com/titleprotocol/core/pkg/logging"
	"github.com/titleprotocol/core/pkg/node"
	"github.com/titleprotocol/core/pkg/persistence"
	persistenceBadger "github.com/titleprotocol/core/pkg/persistence/badger"
	persistenceMemory "github.com/titleprotocol/core/pkg/persistence/memory"
	persistenceRedis "github.com/titleprotocol/core/pkg/persistence/redis"
	"github.com/titleprotocol/core/pkg/signpipeline"
	"github.com/titleprotocol/core/pkg/treebootstrap"
	"github.com/titleprotocol/core/pkg/trust"
	"github.com/titleprotocol/core/pkg/types"
	"github.com/titleprotocol/core/pkg/verifypipeline"
	"github.com/titleprotocol/core/pkg/wasmsandbox"
)

func main() {
	app := &cli.App{
		Name:  "title-node",
		Usage: "Title Protocol confidential-environment signing node",
		Description: `A confidential-compute node that verifies inbound provenance claims,
co-signs mint transactions for previously verified content, and bootstraps the
on-chain compressed Merkle tree its mints are appended to.

This server implements:
- C2PA-style provenance verification inside a confidential environment
- WASM extension execution over verified content
- Partial transaction signing for Bubblegum-style compressed mints
- Gateway-authenticated request admission with a per-request resource budget`,
		Version: "1.0.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "environment",
				Usage:   "environment identity backend: mock | hardware",
				Value:   string(config.EnvironmentMock),
				EnvVars: []string{config.EnvEnvironmentKind},
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Value:   8443,
				Usage:   "HTTP server port",
				EnvVars: []string{config.EnvPort},
			},
			&cli.StringFlag{
				Name:    "bridge",
				Usage:   "outbound fetch bridge: direct | loopback | platform",
				Value:   string(config.BridgeDirect),
				EnvVars: []string{config.EnvBridgeKind},
			},
			&cli.StringFlag{
				Name:     "core-collection-mint",
				Usage:    "base58 address of the core content collection mint",
				EnvVars:  []string{config.EnvCoreCollectionMint},
				Required: true,
			},
			&cli.StringFlag{
				Name:     "ext-collection-mint",
				Usage:    "base58 address of the extension collection mint",
				EnvVars:  []string{config.EnvExtCollectionMint},
				Required: true,
			},
			&cli.StringFlag{
				Name:     "compression-program",
				Usage:    "base58 address of the on-chain compression program",
				EnvVars:  []string{"TITLE_COMPRESSION_PROGRAM"},
				Required: true,
			},
			&cli.StringFlag{
				Name:    "wasm-dir",
				Usage:   "directory of trusted WASM extension builds",
				EnvVars: []string{config.EnvWasmDir},
			},
			&cli.StringFlag{
				Name:    "gateway-pubkey",
				Usage:   "base58 fallback gateway signing pubkey, used until trust config names one",
				EnvVars: []string{config.EnvGatewayPubkey},
			},
			&cli.StringFlag{
				Name:    "trust-config-path",
				Usage:   "path to the initial TrustConfig JSON document",
				EnvVars: []string{config.EnvTrustConfigPath},
			},
			&cli.StringFlag{
				Name:     "admin-token",
				Usage:    "bearer token guarding the /admin/trust-config endpoint",
				EnvVars:  []string{config.EnvAdminToken},
				Required: true,
			},
			&cli.StringFlag{
				Name:    "persistence-backend",
				Usage:   "replay guard / audit ledger backend: memory | badger | redis",
				Value:   string(config.PersistenceMemory),
				EnvVars: []string{config.EnvPersistenceKind},
			},
			&cli.StringFlag{
				Name:    "persistence-data-path",
				Usage:   "data directory for the badger persistence backend",
				EnvVars: []string{config.EnvPersistenceDataPath},
			},
			&cli.StringFlag{
				Name:    "redis-address",
				Usage:   "redis server address for the redis persistence backend",
				EnvVars: []string{config.EnvRedisAddress},
			},
			&cli.StringFlag{
				Name:    "redis-password",
				Usage:   "redis server password for the redis persistence backend",
				EnvVars: []string{config.EnvRedisPassword},
			},
			&cli.Int64Flag{
				Name:    "max-single-content-bytes",
				Value:   config.DefaultResourceBudget.MaxSingleContentBytes,
				Usage:   "fallback per-request content size cap",
				EnvVars: []string{config.EnvMaxSingleContentBytes},
			},
			&cli.Int64Flag{
				Name:    "max-concurrent-bytes",
				Value:   config.DefaultResourceBudget.MaxConcurrentBytes,
				Usage:   "fallback process-wide concurrent buffered byte cap",
				EnvVars: []string{config.EnvMaxConcurrentBytes},
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Usage:   "enable debug-level console logging",
				EnvVars: []string{config.EnvVerbose},
			},
		},
		Action: runTitleNode,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runTitleNode(c *cli.Context) error {
	logger, err := logging.NewLogger(&logging.Config{Debug: c.Bool("verbose")})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	l := logging.Component(logger, "title-node")

	ctx := context.Background()

	envKind, err := config.ParseEnvironmentKind(c.String("environment"))
	if err != nil {
		l.Sugar().Fatalw("invalid environment kind", "error", err)
	}
	env, err := buildEnvironment(ctx, envKind, logging.Component(logger, "environment"))
	if err != nil {
		l.Sugar().Fatalw("failed to provision environment identity", "error", err)
	}
	l.Sugar().Infow("environment identity provisioned",
		"kind", envKind,
		"signing_pubkey", base58.Encode(env.SigningPubkey()))

	trustConfig, err := loadTrustConfig(c)
	if err != nil {
		l.Sugar().Fatalw("failed to load mandatory trust config", "error", err)
	}
	trustStore := trust.NewStore(trustConfig)

	gate := lifecycle.NewGate()

	bridgeKind, err := config.ParseBridgeKind(c.String("bridge"))
	if err != nil {
		l.Sugar().Fatalw("invalid bridge kind", "error", err)
	}
	bridge, err := buildBridge(bridgeKind)
	if err != nil {
		l.Sugar().Fatalw("failed to build outbound bridge", "error", err)
	}

	admitter := admission.New(c.Int64("max-concurrent-bytes"))
	f := fetcher.New(bridge, admitter)

	store, err := buildPersistence(c, l)
	if err != nil {
		l.Sugar().Fatalw("failed to build persistence store", "error", err)
	}
	defer func() { _ = store.Close() }()
	if err := store.HealthCheck(); err != nil {
		l.Sugar().Fatalw("persistence health check failed", "error", err)
	}

	sandbox, err := wasmsandbox.New(ctx)
	if err != nil {
		l.Sugar().Fatalw("failed to start wasm sandbox runtime", "error", err)
	}
	defer func() { _ = sandbox.Close(ctx) }()
	registry := wasmsandbox.NewRegistry(c.String("wasm-dir"), trustStore, logging.Component(logger, "wasmsandbox"))

	compressionProgram, err := solana.PublicKeyFromBase58(c.String("compression-program"))
	if err != nil {
		l.Sugar().Fatalw("invalid compression-program address", "error", err)
	}

	verify := verifypipeline.New(env, gate, trustStore, f, sandbox, registry, store, logging.Component(logger, "verifypipeline"))
	sign := signpipeline.New(env, gate, trustStore, f, compressionProgram, store, logging.Component(logger, "signpipeline"))
	tree := treebootstrap.New(env, gate, compressionProgram)

	gatewayAuth := gateway.NewChecker(trustStore, c.String("gateway-pubkey"))

	budget := config.DefaultResourceBudget
	budget.MaxSingleContentBytes = c.Int64("max-single-content-bytes")
	budget.MaxConcurrentBytes = c.Int64("max-concurrent-bytes")

	srv := node.NewServer(node.Config{
		Env:         env,
		Gate:        gate,
		TrustStore:  trustStore,
		Registry:    registry,
		Store:       store,
		GatewayAuth: gatewayAuth,
		AdminToken:  c.String("admin-token"),
		Budget:      budget,
		Verify:      verify,
		Sign:        sign,
		Tree:        tree,
		Port:        c.Int("port"),
		Logger:      logging.Component(logger, "node"),
	})

	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start node server: %w", err)
	}

	l.Sugar().Infow("title-node running",
		"port", c.Int("port"),
		"bridge", bridgeKind,
		"persistence", c.String("persistence-backend"))
	l.Sugar().Infow("available endpoints",
		"verify", "POST /verify",
		"sign", "POST /sign",
		"create_tree", "POST /create-tree",
		"health", "GET /health",
		"node_info", "GET /.well-known/title-node-info")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	l.Sugar().Info("shutdown signal received, stopping HTTP server")
	return srv.Stop()
}

// buildEnvironment provisions an Identity and generates its keypairs. Every
// restart is a fresh keypair: no private key material is ever persisted.
func buildEnvironment(ctx context.Context, kind config.EnvironmentKind, logger *zap.Logger) (environment.Identity, error) {
	var env environment.Identity
	switch kind {
	case config.EnvironmentHardware:
		env = environment.NewHardware(logger, gcpConfidentialSpaceRequester{}, attestation.TeeGoogleConfidentialSpace)
	default:
		env = environment.NewMock()
	}

	if err := env.GenerateSigningKeypair(ctx); err != nil {
		return nil, fmt.Errorf("generate signing keypair: %w", err)
	}
	if err := env.GenerateEncryptionKeypair(ctx); err != nil {
		return nil, fmt.Errorf("generate encryption keypair: %w", err)
	}
	return env, nil
}

// confidentialSpaceSocket is the Unix domain socket the Confidential Space
// launcher exposes on every guest VM for minting attestation tokens bound
// to a caller-supplied nonce.
const confidentialSpaceSocket = "/run/container_launcher/teeserver.sock"

// gcpConfidentialSpaceRequester implements environment.AttestationRequester
// against the local Confidential Space launcher socket. It never reaches
// the network: the launcher itself talks to Google's attestation service.
type gcpConfidentialSpaceRequester struct{}

func (gcpConfidentialSpaceRequester) RequestAttestation(ctx context.Context, teeType attestation.TeeType, nonce []byte) ([]byte, error) {
	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", confidentialSpaceSocket)
			},
		},
		Timeout: 10 * time.Second,
	}

	reqBody, err := json.Marshal(struct {
		Audience string   `json:"audience"`
		Nonces   []string `json:"nonces"`
	}{Audience: attestation.TitleAudience, Nonces: []string{string(nonce)}})
	if err != nil {
		return nil, fmt.Errorf("encode attestation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"http://unix/v1/token", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("build attestation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call confidential space launcher: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read attestation token: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("confidential space launcher returned %d: %s", resp.StatusCode, body)
	}
	return body, nil
}

// loadTrustConfig reads the mandatory initial TrustConfig from disk, or
// assembles a minimal one from the collection-mint and gateway-pubkey
// flags when no file is configured. §6 treats a missing trust config as a
// startup failure, not a deferred one: there is no code path that admits
// a verify or sign request without one.
func loadTrustConfig(c *cli.Context) (*types.TrustConfig, error) {
	path := c.String("trust-config-path")
	if path == "" {
		cfg := &types.TrustConfig{
			CoreCollection: c.String("core-collection-mint"),
			ExtCollection:  c.String("ext-collection-mint"),
		}
		if pub := c.String("gateway-pubkey"); pub != "" {
			cfg.TrustedEnvironmentNodes = []types.TrustedEnvironmentNode{{GatewayPubkey: pub}}
		}
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trust config %s: %w", path, err)
	}
	var cfg types.TrustConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse trust config %s: %w", path, err)
	}
	return &cfg, nil
}

func buildBridge(kind config.BridgeKind) (fetcher.Bridge, error) {
	switch kind {
	case config.BridgeLoopback:
		return fetcher.NewLoopbackFramedBridge("/var/run/title-node/bridge.sock"), nil
	case config.BridgePlatform:
		return fetcher.NewFramedBridge("tcp", "127.0.0.1:9000"), nil
	case config.BridgeDirect:
		return fetcher.NewDirectBridge(30 * time.Second), nil
	default:
		return nil, fmt.Errorf("unsupported bridge kind: %s", kind)
	}
}

func buildPersistence(c *cli.Context, l *zap.Logger) (persistence.Store, error) {
	kind, err := config.ParsePersistenceKind(c.String("persistence-backend"))
	if err != nil {
		return nil, err
	}

	switch kind {
	case config.PersistenceBadger:
		return persistenceBadger.New(c.String("persistence-data-path"), l)
	case config.PersistenceRedis:
		return persistenceRedis.New(&persistenceRedis.Config{
			Address:  c.String("redis-address"),
			Password: c.String("redis-password"),
		}, l)
	default:
		return persistenceMemory.New(), nil
	}
}
