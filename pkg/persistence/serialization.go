package persistence

import (
	"encoding/json"
	"fmt"
)

// MarshalAttestationRecord serializes rec to JSON bytes.
func MarshalAttestationRecord(rec AttestationRecord) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal attestation record: %w", err)
	}
	return data, nil
}

// UnmarshalAttestationRecord deserializes an AttestationRecord from JSON
// bytes.
func UnmarshalAttestationRecord(data []byte) (AttestationRecord, error) {
	var rec AttestationRecord
	if len(data) == 0 {
		return rec, fmt.Errorf("cannot unmarshal empty data")
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("unmarshal attestation record: %w", err)
	}
	return rec, nil
}
