// Package attestation verifies TEE measurement documents and extracts the
// platform measurements and bound public key that an EnvironmentIdentity's
// measurement document attests to. Title-node's Hardware environment emits
// and, where relevant, consumes documents shaped as signed JWTs from the
// two TEE attestation services the examples ground this on: Google
// Confidential Space and Intel Trust Authority.
package attestation

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jws"
	"github.com/lestrrat-go/jwx/v3/jwt"
	"go.uber.org/zap"

	"github.com/titleprotocol/core/pkg/errs"
)

const (
	confidentialSpaceJWKURL   = "https://www.googleapis.com/service_accounts/v1/metadata/jwk/signer@confidentialspace-sign.iam.gserviceaccount.com"
	intelTrustAuthorityJWKURL = "https://portal.trustauthority.intel.com/certs"
	googleIssuer              = "https://confidentialcomputing.googleapis.com"
	intelIssuer               = "https://portal.trustauthority.intel.com"
	googleAudience            = "https://sts.googleapis.com"

	// TitleAudience is the audience title-node requests on its own
	// attestation tokens, distinguishing them from Google's default STS use.
	TitleAudience = "title-protocol/environment-identity"
)

// TeeType names the supported measurement document issuers, matching the
// two tee_type strings title-node's SignedAttestation envelope carries.
type TeeType string

const (
	TeeGoogleConfidentialSpace TeeType = "gcp-confidential-space"
	TeeIntelTrustAuthority     TeeType = "intel-trust-authority"
)

// Claims is the result of verify_attestation: the platform measurements
// (PCR-equivalent submodule digests) and the public key the document's
// nonce bound at mint time.
type Claims struct {
	AppID        string
	ImageDigest  string
	Measurements []string
	BoundPubkey  []byte
}

// confidentialSpaceToken is the subset of a Confidential Space / Trust
// Authority JWT's claims title-node validates.
type confidentialSpaceToken struct {
	Issuer      string     `json:"iss"`
	Audience    any        `json:"aud"`
	Exp         int64      `json:"exp"`
	Nbf         int64      `json:"nbf"`
	EatNonce    any        `json:"eat_nonce,omitempty"`
	SwName      string     `json:"swname"`
	AttesterTCB []string   `json:"attester_tcb,omitempty"`
	HwModel     string     `json:"hwmodel"`
	DbgStat     string     `json:"dbgstat"`
	SwVersion   []string   `json:"swversion"`
	SubMods     subMods    `json:"submods"`
	TDXSubMods  tdxSubMods `json:"tdx,omitempty"`
}

type subMods struct {
	Container         container         `json:"container"`
	GCE               gce               `json:"gce"`
	ConfidentialSpace confidentialSpace `json:"confidential_space"`
}

type tdxSubMods struct {
	GcpAttesterTcbStatus string `json:"gcp_attester_tcb_status"`
}

type confidentialSpace struct {
	SupportAttributes []string `json:"support_attributes"`
}

type container struct {
	ImageDigest string `json:"image_digest"`
}

type gce struct {
	Zone         string `json:"zone"`
	ProjectID    string `json:"project_id"`
	InstanceName string `json:"instance_name"`
}

type validationConfig struct {
	expectedHwModel     string
	requireAttesterTCB  bool
	requiredSupportAttr string
	requireTDXSubmods   bool
}

var (
	googleValidationConfig = validationConfig{
		expectedHwModel:     "GCP_INTEL_TDX",
		requireAttesterTCB:  true,
		requiredSupportAttr: "STABLE",
	}
	intelValidationConfig = validationConfig{
		expectedHwModel:     "INTEL_TDX",
		requiredSupportAttr: "EXPERIMENTAL",
		requireTDXSubmods:   true,
	}
)

// Verifier validates measurement documents against their issuer's published
// JWKS, caching and periodically refreshing each issuer's key set.
type Verifier struct {
	logger          *zap.Logger
	googleJwksCache jwk.Set
	intelJwksCache  jwk.Set
	projectID       string
	debugMode       bool
}

// NewVerifier builds a Verifier with both issuers' JWKS caches primed.
func NewVerifier(ctx context.Context, logger *zap.Logger, projectID string, refreshInterval time.Duration, debugMode bool) (*Verifier, error) {
	googleJwksCache, err := newJWKCache(ctx, confidentialSpaceJWKURL, refreshInterval)
	if err != nil {
		return nil, fmt.Errorf("attestation: google jwk cache: %w", err)
	}
	intelJwksCache, err := newJWKCache(ctx, intelTrustAuthorityJWKURL, refreshInterval)
	if err != nil {
		return nil, fmt.Errorf("attestation: intel jwk cache: %w", err)
	}
	return &Verifier{
		logger:          logger,
		projectID:       projectID,
		googleJwksCache: googleJwksCache,
		intelJwksCache:  intelJwksCache,
		debugMode:       debugMode,
	}, nil
}

// VerifyAttestation validates documentBytes (a JWT) as issued by teeType,
// and returns its extracted measurements and bound public key. An
// unsupported teeType fails with errs.Verification ("unsupported
// tee_type").
func (v *Verifier) VerifyAttestation(ctx context.Context, teeType TeeType, documentBytes []byte) (*Claims, error) {
	tokenString := string(documentBytes)
	if tokenString == "" {
		return nil, errs.New(errs.Verification, "empty attestation document")
	}

	var jwksCache jwk.Set
	var expectedIssuer string
	var validate func(*confidentialSpaceToken) error

	switch teeType {
	case TeeGoogleConfidentialSpace:
		jwksCache, expectedIssuer, validate = v.googleJwksCache, googleIssuer, func(t *confidentialSpaceToken) error {
			return v.validateToken(t, googleValidationConfig)
		}
	case TeeIntelTrustAuthority:
		jwksCache, expectedIssuer, validate = v.intelJwksCache, intelIssuer, func(t *confidentialSpaceToken) error {
			return v.validateToken(t, intelValidationConfig)
		}
	default:
		return nil, errs.New(errs.Verification, fmt.Sprintf("unsupported tee_type: %s", teeType))
	}

	filtered, err := filteredKeySetForToken(tokenString, jwksCache)
	if err != nil {
		return nil, errs.Wrap(errs.Verification, "filtering jwks", err)
	}

	token, err := jwt.Parse([]byte(tokenString), jwt.WithKeySet(filtered), jwt.WithValidate(true))
	if err != nil {
		return nil, errs.Wrap(errs.Verification, "jwt parse/verify", err)
	}

	issuer, ok := token.Issuer()
	if !ok || issuer != expectedIssuer {
		return nil, errs.New(errs.Verification, fmt.Sprintf("unexpected issuer: %q", issuer))
	}
	audiences, ok := token.Audience()
	if !ok || len(audiences) != 1 {
		return nil, errs.New(errs.Verification, "audience claim missing or malformed")
	}
	if audiences[0] != googleAudience && audiences[0] != TitleAudience {
		return nil, errs.New(errs.Verification, fmt.Sprintf("unexpected audience: %q", audiences[0]))
	}

	raw, err := json.Marshal(token)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "remarshal token", err)
	}
	csToken := &confidentialSpaceToken{}
	if err := json.Unmarshal(raw, csToken); err != nil {
		return nil, errs.Wrap(errs.Internal, "unmarshal token claims", err)
	}
	if err := validate(csToken); err != nil {
		return nil, errs.Wrap(errs.Verification, "claim validation", err)
	}

	boundPubkey, err := extractBoundPubkey(csToken.EatNonce)
	if err != nil {
		return nil, errs.Wrap(errs.Verification, "extracting bound pubkey from nonce", err)
	}

	return &Claims{
		AppID:        extractAppID(csToken.SubMods.GCE.InstanceName),
		ImageDigest:  csToken.SubMods.Container.ImageDigest,
		Measurements: csToken.SwVersion,
		BoundPubkey:  boundPubkey,
	}, nil
}

func (v *Verifier) validateToken(t *confidentialSpaceToken, cfg validationConfig) error {
	if t.SwName != "CONFIDENTIAL_SPACE" {
		return fmt.Errorf("invalid swname: %s", t.SwName)
	}
	if cfg.requireAttesterTCB && (len(t.AttesterTCB) != 1 || t.AttesterTCB[0] != "INTEL") {
		return fmt.Errorf("invalid attester_tcb: %v", t.AttesterTCB)
	}
	if t.HwModel != cfg.expectedHwModel {
		return fmt.Errorf("invalid hwmodel: %s, expected %s", t.HwModel, cfg.expectedHwModel)
	}
	if cfg.requireTDXSubmods && t.TDXSubMods.GcpAttesterTcbStatus != "UpToDate" {
		return fmt.Errorf("tdx submod tcb status not up to date: %s", t.TDXSubMods.GcpAttesterTcbStatus)
	}
	if !v.debugMode {
		if t.DbgStat != "disabled-since-boot" {
			return fmt.Errorf("invalid dbgstat: %s", t.DbgStat)
		}
		if !slices.Contains(t.SubMods.ConfidentialSpace.SupportAttributes, cfg.requiredSupportAttr) {
			return fmt.Errorf("missing support attribute %s", cfg.requiredSupportAttr)
		}
	}
	if t.SubMods.GCE.ProjectID != v.projectID {
		return fmt.Errorf("invalid project_id: %s", t.SubMods.GCE.ProjectID)
	}
	return nil
}

// extractBoundPubkey recovers the caller-supplied challenge nonce the
// environment requested at attestation-mint time: the base64 encoding of
// its freshly generated signing public key, bound into the token by the
// TEE attestation service so the key and the measurement document can
// never be separated.
func extractBoundPubkey(eatNonce any) ([]byte, error) {
	var s string
	switch v := eatNonce.(type) {
	case nil:
		return nil, fmt.Errorf("eat_nonce absent")
	case string:
		s = v
	case []any:
		if len(v) != 1 {
			return nil, fmt.Errorf("eat_nonce array must hold exactly one element, got %d", len(v))
		}
		str, ok := v[0].(string)
		if !ok {
			return nil, fmt.Errorf("eat_nonce array element not a string")
		}
		s = str
	default:
		return nil, fmt.Errorf("eat_nonce has unsupported type %T", v)
	}
	return decodeNonce(s)
}

func decodeNonce(s string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		b, err = base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("decode nonce: %w", err)
		}
	}
	return b, nil
}

func extractAppID(instanceName string) string {
	parts := strings.Split(instanceName, "-")
	if len(parts) < 2 {
		return instanceName
	}
	return parts[len(parts)-1]
}

func newJWKCache(ctx context.Context, jwkURL string, refreshInterval time.Duration) (jwk.Set, error) {
	cache, err := jwk.NewCache(ctx, httprc.NewClient())
	if err != nil {
		return nil, fmt.Errorf("new jwk cache: %w", err)
	}
	if err := cache.Register(ctx, jwkURL, jwk.WithConstantInterval(refreshInterval)); err != nil {
		return nil, fmt.Errorf("register jwk location: %w", err)
	}
	if _, err := cache.Refresh(ctx, jwkURL); err != nil {
		return nil, fmt.Errorf("initial jwks fetch: %w", err)
	}
	return cache.CachedSet(jwkURL)
}

// filteredKeySetForToken narrows jwksCache to keys whose algorithm matches
// the token's header, working around issuers that publish duplicate key
// IDs across algorithms.
func filteredKeySetForToken(tokenString string, jwksCache jwk.Set) (jwk.Set, error) {
	msg, err := jws.Parse([]byte(tokenString))
	if err != nil {
		return nil, fmt.Errorf("parse jws: %w", err)
	}
	if len(msg.Signatures()) == 0 {
		return nil, fmt.Errorf("token has no signatures")
	}
	header := msg.Signatures()[0].ProtectedHeaders()
	tokenAlg, ok := header.Algorithm()
	if !ok {
		return nil, fmt.Errorf("token missing alg header")
	}

	filtered := jwk.NewSet()
	for i := 0; i < jwksCache.Len(); i++ {
		key, ok := jwksCache.Key(i)
		if !ok {
			continue
		}
		if keyAlg, ok := key.Algorithm(); ok && keyAlg == tokenAlg {
			_ = filtered.AddKey(key)
		}
	}
	if filtered.Len() == 0 {
		return nil, fmt.Errorf("no jwks keys match token algorithm %s", tokenAlg)
	}
	return filtered, nil
}
