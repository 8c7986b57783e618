package values

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	tests := []struct {
		name    string
		opts    GenerateOptions
		wantErr bool
	}{
		{
			name: "defaults",
			opts: GenerateOptions{},
		},
		{
			name: "hex with prefix and timestamp",
			opts: GenerateOptions{Length: 32, Prefix: "txn", IncludeTimestamp: true, Encoding: EncodingHex},
		},
		{
			name: "base58",
			opts: GenerateOptions{Length: 24, Encoding: EncodingBase58},
		},
		{
			name: "base64url with timestamp",
			opts: GenerateOptions{Length: 16, Prefix: "sess", IncludeTimestamp: true, Encoding: EncodingBase64URL},
		},
		{
			name: "length below minimum is clamped",
			opts: GenerateOptions{Length: 4, Prefix: "tiny", Encoding: EncodingHex},
		},
		{
			name: "length above maximum is clamped",
			opts: GenerateOptions{Length: 500, Encoding: EncodingHex},
		},
		{
			name:    "unsupported encoding",
			opts:    GenerateOptions{Encoding: Encoding("rot13")},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := Generate(tt.opts)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotEmpty(t, id)

			if tt.opts.Prefix != "" {
				assert.True(t, strings.HasPrefix(id, tt.opts.Prefix+"_"))
			}
		})
	}
}

func TestGenerate_Uniqueness(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id, err := Generate(GenerateOptions{Prefix: "u", IncludeTimestamp: true})
		require.NoError(t, err)
		_, dup := seen[id]
		require.False(t, dup, "duplicate identifier %s", id)
		seen[id] = struct{}{}
	}
}

func TestValidate_RoundTrip(t *testing.T) {
	encodings := []Encoding{EncodingHex, EncodingBase58, EncodingBase64URL}

	for _, enc := range encodings {
		t.Run(string(enc), func(t *testing.T) {
			id, err := Generate(GenerateOptions{
				Length:           32,
				Prefix:           "txn",
				IncludeTimestamp: true,
				Encoding:         enc,
			})
			require.NoError(t, err)

			result := Validate(id, "txn")
			assert.True(t, result.IsValid, "reason: %s", result.Reason)
			assert.Equal(t, "txn", result.Prefix)
			assert.True(t, result.HasTimestamp)
			assert.WithinDuration(t, time.Now(), result.Timestamp, time.Second)
		})
	}
}

func TestValidate_Base64URLAlphabetOverlap(t *testing.T) {
	// A base64url body lands entirely inside the base58 alphabet often enough
	// (roughly 1 in 100 for this payload size) that validation must not
	// commit to the base58 reading: the misdecoded leading bytes would fail
	// the timestamp plausibility check and reject a freshly issued id.
	for i := 0; i < 2000; i++ {
		id, err := Generate(GenerateOptions{
			Length:           32,
			Prefix:           "csrf",
			IncludeTimestamp: true,
			Encoding:         EncodingBase64URL,
		})
		require.NoError(t, err)

		result := Validate(id, "csrf")
		require.True(t, result.IsValid, "id %s rejected: %s", id, result.Reason)
		require.True(t, result.HasTimestamp)
		require.WithinDuration(t, time.Now(), result.Timestamp, time.Second)
	}
}

func TestValidate_Rejections(t *testing.T) {
	valid, err := Generate(GenerateOptions{Prefix: "txn", IncludeTimestamp: true})
	require.NoError(t, err)

	tests := []struct {
		name           string
		id             string
		expectedPrefix string
	}{
		{name: "empty", id: ""},
		{name: "no prefix segment", id: "deadbeefdeadbeefdeadbeef"},
		{name: "leading separator", id: "_deadbeefdeadbeefdeadbeef"},
		{name: "prefix mismatch", id: valid, expectedPrefix: "sess"},
		{name: "payload too short", id: "txn_abcdef"},
		{name: "undecodable payload", id: "txn_!!!!not-an-encoding!!!!"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Validate(tt.id, tt.expectedPrefix)
			assert.False(t, result.IsValid)
			assert.NotEmpty(t, result.Reason)
		})
	}
}

func TestValidate_TimestampBounds(t *testing.T) {
	now := time.Now()
	nowFunc = func() time.Time { return now }
	defer func() { nowFunc = time.Now }()

	t.Run("timestamp too far in the past", func(t *testing.T) {
		nowFunc = func() time.Time { return now.Add(-11 * 365 * 24 * time.Hour) }
		id, err := Generate(GenerateOptions{Prefix: "old", IncludeTimestamp: true})
		require.NoError(t, err)

		nowFunc = func() time.Time { return now }
		result := Validate(id, "old")
		assert.False(t, result.IsValid)
	})

	t.Run("timestamp too far in the future", func(t *testing.T) {
		nowFunc = func() time.Time { return now.Add(48 * time.Hour) }
		id, err := Generate(GenerateOptions{Prefix: "fut", IncludeTimestamp: true})
		require.NoError(t, err)

		nowFunc = func() time.Time { return now }
		result := Validate(id, "fut")
		assert.False(t, result.IsValid)
	})
}

func TestIsExpired(t *testing.T) {
	now := time.Now()
	nowFunc = func() time.Time { return now }
	defer func() { nowFunc = time.Now }()

	id, err := Generate(GenerateOptions{Prefix: "tok", IncludeTimestamp: true})
	require.NoError(t, err)

	assert.False(t, IsExpired(id, time.Hour))

	nowFunc = func() time.Time { return now.Add(2 * time.Hour) }
	assert.True(t, IsExpired(id, time.Hour))

	// Fail closed on garbage.
	assert.True(t, IsExpired("not-an-identifier", time.Hour))
}
