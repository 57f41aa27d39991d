package cryptoprimitives

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"

	"github.com/ethereum/go-ethereum/crypto"
)

// HashAlgo enumerates the hash functions the WASM sandbox's host_hash_content
// function exposes to guest extensions.
type HashAlgo uint8

const (
	HashSHA256 HashAlgo = iota
	HashSHA384
	HashSHA512
	HashKeccak256
)

// Hash computes the digest of data using algo, matching §4.4's
// hash_content host function contract.
func Hash(algo HashAlgo, data []byte) ([]byte, error) {
	switch algo {
	case HashSHA256:
		sum := sha256.Sum256(data)
		return sum[:], nil
	case HashSHA384:
		sum := sha512.Sum384(data)
		return sum[:], nil
	case HashSHA512:
		sum := sha512.Sum512(data)
		return sum[:], nil
	case HashKeccak256:
		return crypto.Keccak256(data), nil
	default:
		return nil, fmt.Errorf("cryptoprimitives: unsupported hash algorithm %d", algo)
	}
}

// HMACAlgo enumerates the HMAC variants the sandbox's hmac_content host
// function supports.
type HMACAlgo uint8

const (
	HMACSHA256 HMACAlgo = iota
	HMACSHA384
	HMACSHA512
)

// HMAC computes the keyed MAC of data using algo.
func HMAC(algo HMACAlgo, key, data []byte) ([]byte, error) {
	var mac func() hash.Hash
	switch algo {
	case HMACSHA256:
		mac = sha256.New
	case HMACSHA384:
		mac = sha512.New384
	case HMACSHA512:
		mac = sha512.New
	default:
		return nil, fmt.Errorf("cryptoprimitives: unsupported hmac algorithm %d", algo)
	}
	h := hmac.New(mac, key)
	h.Write(data)
	return h.Sum(nil), nil
}
