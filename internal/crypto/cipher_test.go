package crypto

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*37 + 11)
	}
	return b
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"ECB", ModeECB, false},
		{"ecb", ModeECB, false},
		{" CBC ", ModeCBC, false},
		{"cbc", ModeCBC, false},
		{"CTR", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMode(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			text, err := got.MarshalText()
			require.NoError(t, err)
			var back Mode
			require.NoError(t, back.UnmarshalText(text))
			assert.Equal(t, got, back)
		})
	}
}

func TestCipher_RoundTrip(t *testing.T) {
	key := testKey(t, 64, 5)

	for _, mode := range []Mode{ModeECB, ModeCBC} {
		for _, n := range []int{0, 1, 6, 7, 8, 13, 14, 100, 1001} {
			plaintext := pattern(n)
			c, err := NewCipher(key, mode, WithRand(seeded(int64(n))))
			require.NoError(t, err)

			ct, err := c.Encrypt(plaintext)
			require.NoError(t, err)
			assert.Len(t, ct.Data, n, "%s n=%d", mode, n)
			assert.Len(t, ct.Overflow, OverflowLength(n, key))
			assert.Equal(t, n, ct.OriginalLength)
			if mode == ModeCBC {
				assert.Len(t, ct.IV, key.CipherBlockSize())
			} else {
				assert.Nil(t, ct.IV)
			}

			got, err := c.Decrypt(ct)
			require.NoError(t, err)
			assert.Equal(t, plaintext, got, "%s n=%d", mode, n)
		}
	}
}

func TestCipher_OverflowLayout(t *testing.T) {
	key := testKey(t, 64, 5)
	// 13 bytes with S=7: one full block (1 overflow byte) and a 6-byte block
	// (2 overflow bytes).
	assert.Equal(t, 3, OverflowLength(13, key))
	assert.Equal(t, 2, OverflowLength(14, key))
	assert.Equal(t, 0, OverflowLength(0, key))
	assert.Equal(t, 7, OverflowLength(1, key))
}

func TestCipher_LargerKeys(t *testing.T) {
	key := testKey(t, 256, 2)
	plaintext := pattern(500)

	for _, mode := range []Mode{ModeECB, ModeCBC} {
		ct, err := Encrypt(mode, plaintext, key)
		require.NoError(t, err)
		assert.NotEqual(t, plaintext, ct.Data)

		got, err := Decrypt(mode, ct.Data, ct.Overflow, key, ct.IV, ct.OriginalLength)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestCipher_ConcreteScenario(t *testing.T) {
	key := testKey(t, 64, 42)
	pixels := []byte{10, 20, 30, 40}

	ct, err := Encrypt(ModeECB, pixels, key)
	require.NoError(t, err)
	assert.Len(t, ct.Data, 4)
	assert.Len(t, ct.Overflow, 4)

	got, err := Decrypt(ModeECB, ct.Data, ct.Overflow, key, nil, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{10, 20, 30, 40}, got)
}

// blocks splits b into S-byte blocks.
func blocks(b []byte, s int) [][]byte {
	var out [][]byte
	for off := 0; off < len(b); off += s {
		out = append(out, b[off:min(off+s, len(b))])
	}
	return out
}

func TestCipher_CBCBitFlipConfined(t *testing.T) {
	key := testKey(t, 64, 9)
	s := key.BlockSize()
	plaintext := pattern(6 * s)

	c, err := NewCipher(key, ModeCBC, WithRand(seeded(1)))
	require.NoError(t, err)
	ct, err := c.Encrypt(plaintext)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		tampered := *ct
		tampered.Data = bytes.Clone(ct.Data)
		tampered.Data[i*s+2] ^= 0x10

		got, err := c.Decrypt(&tampered)
		require.NoError(t, err)

		want, gotBlocks := blocks(plaintext, s), blocks(got, s)
		for j := range want {
			if j == i || j == i+1 {
				assert.NotEqual(t, want[j], gotBlocks[j], "flip in %d: block %d should be corrupt", i, j)
			} else {
				assert.Equal(t, want[j], gotBlocks[j], "flip in %d: block %d should be intact", i, j)
			}
		}
		// The next block differs in exactly the flipped bit.
		assert.Equal(t, want[i+1][2]^0x10, gotBlocks[i+1][2])
	}
}

func TestCipher_ECBBitFlipConfined(t *testing.T) {
	key := testKey(t, 64, 9)
	s := key.BlockSize()
	plaintext := pattern(4 * s)

	ct, err := Encrypt(ModeECB, plaintext, key)
	require.NoError(t, err)
	ct.Data[s+1] ^= 0x01

	got, err := Decrypt(ModeECB, ct.Data, ct.Overflow, key, nil, len(plaintext))
	require.NoError(t, err)
	want, gotBlocks := blocks(plaintext, s), blocks(got, s)
	assert.Equal(t, want[0], gotBlocks[0])
	assert.NotEqual(t, want[1], gotBlocks[1])
	assert.Equal(t, want[2], gotBlocks[2])
	assert.Equal(t, want[3], gotBlocks[3])
}

func TestCipher_DeterministicIV(t *testing.T) {
	key := testKey(t, 64, 3)
	a, err := NewCipher(key, ModeCBC, WithRand(seeded(4)))
	require.NoError(t, err)
	b, err := NewCipher(key, ModeCBC, WithRand(seeded(4)))
	require.NoError(t, err)

	ca, err := a.Encrypt(pattern(30))
	require.NoError(t, err)
	cb, err := b.Encrypt(pattern(30))
	require.NoError(t, err)
	assert.Equal(t, ca, cb)
}

func TestCipher_LengthMismatch(t *testing.T) {
	key := testKey(t, 64, 5)
	plaintext := pattern(20)
	ecb, err := Encrypt(ModeECB, plaintext, key)
	require.NoError(t, err)
	cbc, err := Encrypt(ModeCBC, plaintext, key)
	require.NoError(t, err)

	tests := []struct {
		name     string
		mode     Mode
		data     []byte
		overflow []byte
		iv       []byte
		length   int
		field    string
	}{
		{"wrong original length", ModeECB, ecb.Data, ecb.Overflow, nil, 21, "ciphertext"},
		{"truncated data", ModeECB, ecb.Data[:19], ecb.Overflow, nil, 20, "ciphertext"},
		{"short overflow", ModeECB, ecb.Data, ecb.Overflow[1:], nil, 20, "overflow"},
		{"long overflow", ModeECB, ecb.Data, append(bytes.Clone(ecb.Overflow), 0), nil, 20, "overflow"},
		{"negative length", ModeECB, nil, nil, nil, -1, "original length"},
		{"missing IV", ModeCBC, cbc.Data, cbc.Overflow, nil, 20, "IV"},
		{"short IV", ModeCBC, cbc.Data, cbc.Overflow, cbc.IV[:4], 20, "IV"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decrypt(tt.mode, tt.data, tt.overflow, key, tt.iv, tt.length)
			assert.Nil(t, got)
			var lm *LengthMismatchError
			require.True(t, errors.As(err, &lm), "got %v", err)
			assert.Equal(t, tt.field, lm.Field)
			assert.True(t, errors.Is(err, ErrLengthMismatch))
		})
	}
}

func TestCipher_RejectsBadKeys(t *testing.T) {
	key := testKey(t, 64, 5)
	bad := NewKeypair(64, key.Public.E, key.Public.E, key.Public.N, nil, nil)

	_, err := Encrypt(ModeECB, pattern(10), bad)
	assert.True(t, errors.Is(err, ErrKey), "got %v", err)

	_, err = Decrypt(ModeCBC, pattern(10), make([]byte, OverflowLength(10, key)), nil, nil, 10)
	assert.True(t, errors.Is(err, ErrKey), "got %v", err)

	_, err = NewCipher(key, Mode(7))
	assert.Error(t, err)
}

func TestCipher_ModeMismatch(t *testing.T) {
	key := testKey(t, 64, 5)
	c, err := NewCipher(key, ModeECB)
	require.NoError(t, err)
	ct, err := c.Encrypt(pattern(10))
	require.NoError(t, err)

	ct.Mode = ModeCBC
	_, err = c.Decrypt(ct)
	assert.Error(t, err)
}
