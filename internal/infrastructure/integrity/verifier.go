// Package integrity computes and verifies canonical cryptographic digests
// and keyed HMACs over arbitrary payloads. A digest alone gives
// tamper-evidence; an HMAC additionally proves the sealing party held the
// shared secret. Both are exposed because callers have different trust
// models.
package integrity

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"hash"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/secure-transfer-gateway/internal/domain/errors"
)

// Algorithm selects the digest function.
type Algorithm string

const (
	AlgorithmSHA256 Algorithm = "sha256"
	AlgorithmSHA512 Algorithm = "sha512"
)

const (
	defaultVersion = "1"
	saltBytes      = 16
)

// Metadata captures everything needed to recompute a digest. Verification
// must use the exact metadata produced at hash time; it is never re-derived.
type Metadata struct {
	Algorithm Algorithm `json:"algorithm"`
	Timestamp int64     `json:"timestamp"`
	Version   string    `json:"version"`
	Salt      string    `json:"salt,omitempty"`
}

// HashOptions configures digest computation.
type HashOptions struct {
	Algorithm   Algorithm
	IncludeSalt bool
	Version     string
}

// HashResult pairs a digest with the metadata that produced it.
type HashResult struct {
	Hash     string   `json:"hash"`
	Metadata Metadata `json:"metadata"`
}

// VerifyResult reports a digest comparison. A mismatch is a detection value,
// not an error; callers decide whether to escalate it.
type VerifyResult struct {
	IsValid bool   `json:"is_valid"`
	Hash    string `json:"hash"`
	Error   string `json:"error,omitempty"`
}

// Seal is the integrity block attached to a tamper-evident envelope.
type Seal struct {
	Hash     string   `json:"hash"`
	Metadata Metadata `json:"metadata"`
	HMAC     string   `json:"hmac,omitempty"`
}

// Envelope wraps a payload with its integrity seal.
type Envelope struct {
	Data      interface{} `json:"data"`
	Integrity Seal        `json:"integrity"`
}

// UnwrapResult reports envelope verification. Integrity is checked first,
// the HMAC second, short-circuiting on the first failure.
type UnwrapResult struct {
	IsValid bool        `json:"is_valid"`
	Data    interface{} `json:"data,omitempty"`
	Reason  string      `json:"reason,omitempty"`
}

// nowFunc is swapped in tests.
var nowFunc = time.Now

// Verifier computes and checks digests and HMACs. It holds no mutable state
// and is safe for concurrent use.
type Verifier struct {
	logger *zap.Logger
}

// NewVerifier creates a verifier.
func NewVerifier(logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{logger: logger}
}

// Hash canonicalizes {data, metadata} and computes its digest. Object keys
// are sorted lexicographically at every nesting level, so semantically
// identical payloads with different key insertion order hash identically.
func (v *Verifier) Hash(data interface{}, opts HashOptions) (HashResult, error) {
	meta := Metadata{
		Algorithm: opts.Algorithm,
		Timestamp: nowFunc().UnixMilli(),
		Version:   opts.Version,
	}
	if meta.Algorithm == "" {
		meta.Algorithm = AlgorithmSHA256
	}
	if meta.Version == "" {
		meta.Version = defaultVersion
	}
	if opts.IncludeSalt {
		salt := make([]byte, saltBytes)
		if _, err := rand.Read(salt); err != nil {
			return HashResult{}, errors.NewInternalError("secure random source unavailable").WithCause(err)
		}
		meta.Salt = hex.EncodeToString(salt)
	}

	digest, err := v.Compute(data, meta)
	if err != nil {
		return HashResult{}, err
	}

	return HashResult{Hash: digest, Metadata: meta}, nil
}

// Compute produces the digest for data under an exact, caller-supplied
// metadata block.
func (v *Verifier) Compute(data interface{}, meta Metadata) (string, error) {
	canonical, err := canonicalize(map[string]interface{}{
		"data":     data,
		"metadata": meta,
	})
	if err != nil {
		return "", errors.NewInternalError("failed to canonicalize hash payload").WithCause(err)
	}

	h, err := newHash(meta.Algorithm)
	if err != nil {
		return "", err
	}
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify recomputes the digest using the supplied metadata and compares it
// to expectedHash in constant time.
func (v *Verifier) Verify(data interface{}, expectedHash string, meta Metadata) (VerifyResult, error) {
	digest, err := v.Compute(data, meta)
	if err != nil {
		return VerifyResult{}, err
	}

	if subtle.ConstantTimeCompare([]byte(digest), []byte(expectedHash)) != 1 {
		return VerifyResult{
			IsValid: false,
			Hash:    digest,
			Error:   "hash mismatch",
		}, nil
	}
	return VerifyResult{IsValid: true, Hash: digest}, nil
}

// HMAC computes a keyed hash over message.
func (v *Verifier) HMAC(message, secret string, algorithm Algorithm) (string, error) {
	mac, err := newHMAC(algorithm, secret)
	if err != nil {
		return "", err
	}
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyHMAC checks a keyed hash in constant time. Malformed inputs verify
// as false rather than erroring.
func (v *Verifier) VerifyHMAC(message, signature, secret string, algorithm Algorithm) bool {
	expected, err := v.HMAC(message, secret, algorithm)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(signature))
}

// WrapTamperEvident seals data in an envelope. The digest is always salted;
// when a secret is supplied the canonical hash string is additionally
// HMAC-signed so the seal proves the sealing party's identity.
func (v *Verifier) WrapTamperEvident(data interface{}, secret string) (Envelope, error) {
	result, err := v.Hash(data, HashOptions{Algorithm: AlgorithmSHA256, IncludeSalt: true})
	if err != nil {
		return Envelope{}, err
	}

	seal := Seal{Hash: result.Hash, Metadata: result.Metadata}
	if secret != "" {
		mac, err := v.HMAC(result.Hash, secret, result.Metadata.Algorithm)
		if err != nil {
			return Envelope{}, err
		}
		seal.HMAC = mac
	}

	return Envelope{Data: data, Integrity: seal}, nil
}

// Unwrap verifies an envelope: integrity first, HMAC second.
func (v *Verifier) Unwrap(env Envelope, secret string) (UnwrapResult, error) {
	check, err := v.Verify(env.Data, env.Integrity.Hash, env.Integrity.Metadata)
	if err != nil {
		return UnwrapResult{}, err
	}
	if !check.IsValid {
		v.logger.Warn("tamper-evident envelope failed integrity check",
			zap.String("algorithm", string(env.Integrity.Metadata.Algorithm)))
		return UnwrapResult{IsValid: false, Reason: "integrity check failed"}, nil
	}

	if env.Integrity.HMAC != "" {
		if secret == "" {
			return UnwrapResult{IsValid: false, Reason: "envelope is sealed but no secret was supplied"}, nil
		}
		if !v.VerifyHMAC(env.Integrity.Hash, env.Integrity.HMAC, secret, env.Integrity.Metadata.Algorithm) {
			v.logger.Warn("tamper-evident envelope failed hmac check")
			return UnwrapResult{IsValid: false, Reason: "hmac check failed"}, nil
		}
	}

	return UnwrapResult{IsValid: true, Data: env.Data}, nil
}

// canonicalize serializes a value with deterministic key ordering by round
// tripping it through encoding/json, which sorts map keys at every level.
func canonicalize(value interface{}) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

func newHash(algorithm Algorithm) (hash.Hash, error) {
	switch algorithm {
	case AlgorithmSHA256, "":
		return sha256.New(), nil
	case AlgorithmSHA512:
		return sha512.New(), nil
	default:
		return nil, errors.NewInternalError("unsupported digest algorithm: " + string(algorithm))
	}
}

func newHMAC(algorithm Algorithm, secret string) (hash.Hash, error) {
	switch algorithm {
	case AlgorithmSHA256, "":
		return hmac.New(sha256.New, []byte(secret)), nil
	case AlgorithmSHA512:
		return hmac.New(sha512.New, []byte(secret)), nil
	default:
		return nil, errors.NewInternalError("unsupported hmac algorithm: " + string(algorithm))
	}
}
