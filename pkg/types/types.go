// Package types holds Title Protocol's shared data model: the entities
// that flow between the HTTP dispatcher, the crypto/C2PA/WASM components,
// and the admission layer. Types here are immutable within one request
// except EnvironmentState.
package types

import "encoding/json"

// EnvironmentState is the process-wide lifecycle gate. It starts Inactive
// and transitions to Active exactly once, via the tree-bootstrap call.
type EnvironmentState int32

const (
	StateInactive EnvironmentState = iota
	StateActive
)

func (s EnvironmentState) String() string {
	switch s {
	case StateInactive:
		return "Inactive"
	case StateActive:
		return "Active"
	default:
		return "Unknown"
	}
}

// EncryptedEnvelope is the wire shape of an AEAD-sealed payload: an
// ephemeral X25519 public key, a single-use nonce, and ciphertext with its
// GCM tag appended.
type EncryptedEnvelope struct {
	EphemeralPubkey [32]byte `json:"ephemeral_pubkey"`
	Nonce           [12]byte `json:"nonce"`
	Ciphertext      []byte   `json:"ciphertext"`
}

// ClientPayload is the plaintext recovered after opening an
// EncryptedEnvelope. ExtensionInputs for extension X are surfaced only to
// X's sandbox instance; no other component reads another extension's entry.
type ClientPayload struct {
	OwnerWallet      string            `json:"owner_wallet"`
	Content          []byte            `json:"content"`
	SidecarManifest  []byte            `json:"sidecar_manifest,omitempty"`
	ExtensionInputs  map[string][]byte `json:"extension_inputs,omitempty"`
}

// NodeKind tags a ProvenanceDAG node as the document's root or one of its
// embedded ingredients.
type NodeKind string

const (
	NodeFinal      NodeKind = "Final"
	NodeIngredient NodeKind = "Ingredient"
)

// DAGNode is one vertex of a ProvenanceDAG, identified by its content
// identifier (§4.1 content_hash, hex-encoded).
type DAGNode struct {
	ID   string   `json:"id"`
	Kind NodeKind `json:"kind"`
}

// DAGLink is one directed edge of a ProvenanceDAG.
type DAGLink struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Role   string `json:"role"`
}

// ProvenanceDAG is the acyclic ingredient graph built by the C2PA engine.
// Exactly one node has Kind == NodeFinal, and it is the root every other
// node is reachable from.
type ProvenanceDAG struct {
	Nodes []DAGNode `json:"nodes"`
	Links []DAGLink `json:"links"`
}

// Size is the |nodes| + |links| figure the §4.3 graph-size budget is
// checked against.
func (d ProvenanceDAG) Size() int {
	return len(d.Nodes) + len(d.Links)
}

// Attribute is one entry of a SignedAttestation's free-form metadata list,
// matching the on-chain metadata "trait_type"/"value" convention.
type Attribute struct {
	TraitType string `json:"trait_type"`
	Value     string `json:"value"`
}

// CorePayload is the Core-tagged shape of a SignedAttestation's payload.
type CorePayload struct {
	ContentHash      string    `json:"content_hash"`
	ContentType      string    `json:"content_type"`
	CreatorWallet    string    `json:"creator_wallet"`
	TSATimestamp     *int64    `json:"tsa_timestamp,omitempty"`
	TSAPubkeyHash    string    `json:"tsa_pubkey_hash,omitempty"`
	TSATokenData     string    `json:"tsa_token_data,omitempty"`
	Nodes            []DAGNode `json:"nodes"`
	Links            []DAGLink `json:"links"`
}

// ExtensionPayload is the Extension-tagged shape of a SignedAttestation's
// payload.
type ExtensionPayload struct {
	ExtensionID        string `json:"extension_id"`
	WasmHash           string `json:"wasm_hash"`
	ExtensionInputHash string `json:"extension_input_hash,omitempty"`
	Result             []byte `json:"result"`
}

// SignedAttestation is the common envelope shared by Core and Extension
// attestations. Exactly one of Core/Extension is populated; which one is
// determined by the processor that produced it, not by a separate
// discriminant field, mirroring the off-chain AttestationEnvelope JSON
// shape in §6 where both shapes serialize under the same "payload" key.
type SignedAttestation struct {
	Protocol       string `json:"protocol"`
	TeeType        string `json:"tee_type"`
	TeePubkey      string `json:"tee_pubkey"`
	TeeSignature   string `json:"tee_signature"`
	TeeAttestation string `json:"tee_attestation"`

	Core      *CorePayload
	Extension *ExtensionPayload

	Attributes []Attribute `json:"attributes"`
}

// signedAttestationWire is the JSON projection of SignedAttestation: the
// envelope fields plus a single "payload" key holding whichever of
// Core/Extension is populated.
type signedAttestationWire struct {
	Protocol       string      `json:"protocol"`
	TeeType        string      `json:"tee_type"`
	TeePubkey      string      `json:"tee_pubkey"`
	TeeSignature   string      `json:"tee_signature"`
	TeeAttestation string      `json:"tee_attestation"`
	Payload        interface{} `json:"payload"`
	Attributes     []Attribute `json:"attributes"`
}

func (s SignedAttestation) MarshalJSON() ([]byte, error) {
	wire := signedAttestationWire{
		Protocol:       s.Protocol,
		TeeType:        s.TeeType,
		TeePubkey:      s.TeePubkey,
		TeeSignature:   s.TeeSignature,
		TeeAttestation: s.TeeAttestation,
		Attributes:     s.Attributes,
	}
	switch {
	case s.Core != nil:
		wire.Payload = s.Core
	case s.Extension != nil:
		wire.Payload = s.Extension
	}
	return json.Marshal(wire)
}

func (s *SignedAttestation) UnmarshalJSON(data []byte) error {
	var wire struct {
		Protocol       string          `json:"protocol"`
		TeeType        string          `json:"tee_type"`
		TeePubkey      string          `json:"tee_pubkey"`
		TeeSignature   string          `json:"tee_signature"`
		TeeAttestation string          `json:"tee_attestation"`
		Payload        json.RawMessage `json:"payload"`
		Attributes     []Attribute     `json:"attributes"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	s.Protocol = wire.Protocol
	s.TeeType = wire.TeeType
	s.TeePubkey = wire.TeePubkey
	s.TeeSignature = wire.TeeSignature
	s.TeeAttestation = wire.TeeAttestation
	s.Attributes = wire.Attributes

	if len(wire.Payload) == 0 {
		return nil
	}

	var core CorePayload
	if err := json.Unmarshal(wire.Payload, &core); err == nil && len(core.Nodes) > 0 {
		s.Core = &core
		return nil
	}

	var ext ExtensionPayload
	if err := json.Unmarshal(wire.Payload, &ext); err == nil && ext.ExtensionID != "" {
		s.Extension = &ext
		return nil
	}

	// Ambiguous or empty payload (e.g. a core payload with an empty nodes list):
	// fall back to the Core shape, since "nodes"/"links" are always
	// present on a core payload even when empty.
	if err := json.Unmarshal(wire.Payload, &core); err != nil {
		return err
	}
	s.Core = &core
	return nil
}

// ProtocolVersion is the fixed protocol tag every SignedAttestation carries.
const ProtocolVersion = "Title-v1"

// CanonicalAttestationBytes serializes {payload, attributes} the way every
// tee_signature is computed and checked against: field order fixed by
// struct declaration, since both CorePayload and ExtensionPayload encode
// deterministically through encoding/json.
func CanonicalAttestationBytes(payload interface{}, attributes []Attribute) ([]byte, error) {
	wire := struct {
		Payload    interface{} `json:"payload"`
		Attributes []Attribute `json:"attributes"`
	}{Payload: payload, Attributes: attributes}
	return json.Marshal(wire)
}

// TrustedEnvironmentNode describes one peer title-node entry in a
// TrustConfig snapshot.
type TrustedEnvironmentNode struct {
	SigningPubkey       string   `json:"signing_pubkey"`
	EncryptionPubkey    string   `json:"encryption_pubkey"`
	GatewayPubkey       string   `json:"gateway_pubkey"`
	Status              string   `json:"status"`
	TeeType             string   `json:"tee_type"`
	ExpectedMeasurements []string `json:"expected_measurements"`
}

// TrustedWasmModule pins a known-good extension build by content hash.
type TrustedWasmModule struct {
	ExtensionID string `json:"extension_id"`
	SourceTag   string `json:"source_tag"`
	WasmHash    string `json:"wasm_hash"`
}

// TrustConfig is a read-only snapshot consumed by every in-flight request;
// admin refreshes replace the pointer, never mutate the pointee.
type TrustConfig struct {
	Authority      string `json:"authority"`
	CoreCollection string `json:"core_collection"`
	ExtCollection  string `json:"ext_collection"`

	TrustedEnvironmentNodes      []TrustedEnvironmentNode `json:"trusted_environment_nodes"`
	TrustedTimestampAuthorityKeys [][32]byte              `json:"trusted_timestamp_authority_keys"`
	TrustedWasmModules           []TrustedWasmModule       `json:"trusted_wasm_modules"`
}

// WasmHashFor looks up the trusted hash pinned for extensionID, reporting
// ok=false when the extension has no trust record.
func (c *TrustConfig) WasmHashFor(extensionID string) (hash string, ok bool) {
	for _, m := range c.TrustedWasmModules {
		if m.ExtensionID == extensionID {
			return m.WasmHash, true
		}
	}
	return "", false
}

// TimestampAuthorityTrusted reports whether keyHash appears in the
// snapshot's trusted TSA key set.
func (c *TrustConfig) TimestampAuthorityTrusted(keyHash [32]byte) bool {
	for _, k := range c.TrustedTimestampAuthorityKeys {
		if k == keyHash {
			return true
		}
	}
	return false
}

// ResourceBudget bounds one request's resource consumption; it travels
// inside the GatewayEnvelope so operators can vary it per key or tier.
type ResourceBudget struct {
	MaxSingleContentBytes     int64 `json:"max_single_content_bytes"`
	MaxConcurrentBytes        int64 `json:"max_concurrent_bytes"`
	MinUploadSpeedBytesPerSec int64 `json:"min_upload_speed_bytes_per_sec"`
	BaseProcessingTimeSec     int64 `json:"base_processing_time_sec"`
	MaxGlobalTimeoutSec       int64 `json:"max_global_timeout_sec"`
	ChunkReadTimeoutSec       int64 `json:"chunk_read_timeout_sec"`
	MaxGraphSize              int   `json:"max_graph_size"`
}

// GatewayEnvelope wraps every inbound POST body with gateway-level
// metadata and an Ed25519 signature over its first four fields.
type GatewayEnvelope struct {
	Method          string         `json:"method"`
	Path            string         `json:"path"`
	BodyBytes       []byte         `json:"body_bytes"`
	ResourceBudget  ResourceBudget `json:"resource_budget"`
	GatewaySignature []byte        `json:"gateway_signature"`
}
