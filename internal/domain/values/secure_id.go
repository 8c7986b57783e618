package values

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"regexp"
	"strings"
	"time"

	"github.com/mr-tron/base58"

	"github.com/davidleathers/secure-transfer-gateway/internal/domain/errors"
)

// Encoding selects the textual representation of an identifier payload.
type Encoding string

const (
	EncodingHex       Encoding = "hex"
	EncodingBase58    Encoding = "base58"
	EncodingBase64URL Encoding = "base64url"
)

const (
	// MinPayloadBytes keeps payload entropy at or above 128 bits.
	MinPayloadBytes = 16
	MaxPayloadBytes = 64

	defaultPayloadBytes = 32
	timestampBytes      = 8
	minEncodedLength    = 16

	// Bounds for the embedded-timestamp sanity check. Anything outside this
	// window is an adversarially constructed or garbage identifier and is
	// rejected without a lookup.
	maxTimestampPast   = 10 * 365 * 24 * time.Hour
	maxTimestampFuture = 24 * time.Hour
)

var hexPattern = regexp.MustCompile(`^[0-9a-f]+$`)

// GenerateOptions configures identifier generation.
type GenerateOptions struct {
	Length           int
	Prefix           string
	IncludeTimestamp bool
	Encoding         Encoding
}

// ValidationResult reports the outcome of identifier validation. Validation
// never fails with an error; malformed input yields IsValid=false.
type ValidationResult struct {
	IsValid      bool
	Reason       string
	Prefix       string
	HasTimestamp bool
	Timestamp    time.Time
}

// nowFunc is swapped in tests.
var nowFunc = time.Now

// Generate draws cryptographically secure random bytes, optionally prepends
// an 8-byte big-endian epoch-millisecond timestamp, encodes the result and
// applies the "prefix_" tag. Identifiers are immutable once issued.
func Generate(opts GenerateOptions) (string, error) {
	length := opts.Length
	if length == 0 {
		length = defaultPayloadBytes
	}
	if length < MinPayloadBytes {
		length = MinPayloadBytes
	}
	if length > MaxPayloadBytes {
		length = MaxPayloadBytes
	}

	random := make([]byte, length)
	if _, err := rand.Read(random); err != nil {
		return "", errors.NewInternalError("secure random source unavailable").WithCause(err)
	}

	payload := random
	if opts.IncludeTimestamp {
		payload = make([]byte, timestampBytes+length)
		binary.BigEndian.PutUint64(payload[:timestampBytes], uint64(nowFunc().UnixMilli()))
		copy(payload[timestampBytes:], random)
	}

	var encoded string
	switch opts.Encoding {
	case EncodingBase58:
		encoded = base58.Encode(payload)
	case EncodingBase64URL:
		encoded = base64.RawURLEncoding.EncodeToString(payload)
	case EncodingHex, "":
		encoded = hex.EncodeToString(payload)
	default:
		return "", errors.NewValidationError("UNSUPPORTED_ENCODING",
			"encoding must be hex, base58 or base64url")
	}

	if opts.Prefix != "" {
		return opts.Prefix + "_" + encoded, nil
	}
	return encoded, nil
}

// Validate parses and checks a prefixed identifier. When expectedPrefix is
// non-empty the identifier's prefix must match it exactly. A decoded payload
// of at least 8 bytes is interpreted as carrying an embedded timestamp, which
// must fall inside the plausibility window.
func Validate(id, expectedPrefix string) ValidationResult {
	sep := strings.Index(id, "_")
	if sep <= 0 {
		return invalid("identifier has no prefix segment")
	}

	prefix := id[:sep]
	body := id[sep+1:]

	if expectedPrefix != "" && prefix != expectedPrefix {
		return invalid("identifier prefix mismatch")
	}
	if len(body) < minEncodedLength {
		return invalid("identifier payload too short")
	}

	candidates := decodeAll(body)
	if len(candidates) == 0 {
		return invalid("identifier payload is not decodable")
	}

	result := ValidationResult{IsValid: true, Prefix: prefix}

	for _, payload := range candidates {
		if len(payload) < timestampBytes {
			return result
		}
		millis := binary.BigEndian.Uint64(payload[:timestampBytes])
		if ts, ok := timestampFromMillis(millis); ok {
			result.HasTimestamp = true
			result.Timestamp = ts
			return result
		}
	}
	return invalid("embedded timestamp out of range")
}

// IsExpired reports whether a timestamped identifier is older than ttl.
// Invalid or non-timestamped identifiers are treated as expired.
func IsExpired(id string, ttl time.Duration) bool {
	v := Validate(id, "")
	if !v.IsValid || !v.HasTimestamp {
		return true
	}
	return nowFunc().Sub(v.Timestamp) > ttl
}

func invalid(reason string) ValidationResult {
	return ValidationResult{IsValid: false, Reason: reason}
}

// decodeAll returns every supported decoding of the body, most restrictive
// alphabet first. The alphabets overlap (every hex body is valid base64url,
// and a base64url body can fall entirely inside the base58 alphabet), so a
// body may decode under more than one encoding and committing to the first
// would misread ids issued in a wider alphabet; the caller accepts the first
// candidate whose payload is plausible.
func decodeAll(body string) [][]byte {
	var candidates [][]byte
	if hexPattern.MatchString(body) && len(body)%2 == 0 {
		if b, err := hex.DecodeString(body); err == nil {
			candidates = append(candidates, b)
		}
	}
	if b, err := base58.Decode(body); err == nil {
		candidates = append(candidates, b)
	}
	if b, err := base64.RawURLEncoding.DecodeString(body); err == nil {
		candidates = append(candidates, b)
	}
	return candidates
}

func timestampFromMillis(millis uint64) (time.Time, bool) {
	now := nowFunc()
	earliest := now.Add(-maxTimestampPast)
	latest := now.Add(maxTimestampFuture)

	if millis > uint64(latest.UnixMilli()) {
		return time.Time{}, false
	}
	ts := time.UnixMilli(int64(millis)).UTC()
	if ts.Before(earliest) {
		return time.Time{}, false
	}
	return ts, true
}
