package crypto

import (
	"context"
	"errors"
	"io"
	"math/big"
	mrand "math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seeded returns a deterministic randomness source.
func seeded(seed int64) *mrand.Rand {
	return mrand.New(mrand.NewSource(seed))
}

// testKey generates a reproducible keypair.
func testKey(t *testing.T, size int, seed int64) *Keypair {
	t.Helper()
	g := &KeyGenerator{Size: size, Rand: seeded(seed)}
	key, err := g.Generate(context.Background())
	require.NoError(t, err)
	return key
}

// zeroReader yields only zero bytes.
type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func TestKeyGenerator_Invariants(t *testing.T) {
	for _, size := range []int{16, 32, 64, 128, 256} {
		for seed := int64(1); seed <= 3; seed++ {
			key := testKey(t, size, seed)
			p, q := key.Primes()
			require.NotNil(t, p)
			require.NotNil(t, q)

			phi := new(big.Int).Mul(new(big.Int).Sub(p, one), new(big.Int).Sub(q, one))
			ed := new(big.Int).Mul(key.Public.E, key.Private.D)
			assert.Equal(t, 0, new(big.Int).Mod(ed, phi).Cmp(one), "size %d seed %d", size, seed)

			assert.Equal(t, size, key.Public.E.BitLen())
			assert.Equal(t, size, key.Private.D.BitLen())
			assert.Equal(t, size, key.Public.N.BitLen())
			assert.Equal(t, size, phi.BitLen())
			assert.Equal(t, size/2, p.BitLen())
			assert.Equal(t, size/2, q.BitLen())
			assert.NotEqual(t, 0, p.Cmp(q))
			assert.True(t, p.ProbablyPrime(20))
			assert.True(t, q.ProbablyPrime(20))
			assert.Equal(t, 0, key.Public.N.Cmp(key.Private.N))
			assert.NoError(t, key.Validate())
		}
	}
}

func TestKeyGenerator_Deterministic(t *testing.T) {
	a := testKey(t, 64, 7)
	b := testKey(t, 64, 7)
	c := testKey(t, 64, 8)

	assert.Equal(t, 0, a.Public.N.Cmp(b.Public.N))
	assert.Equal(t, 0, a.Private.D.Cmp(b.Private.D))
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}

func TestKeyGenerator_InvalidSize(t *testing.T) {
	tests := []struct {
		size, max int
	}{
		{0, 0},
		{8, 0},
		{12, 0},
		{17, 0},
		{-64, 0},
		{DefaultMaxKeySize + 8, 0},
		{128, 64},
	}
	for _, tt := range tests {
		_, err := (&KeyGenerator{Size: tt.size, MaxSize: tt.max, Rand: seeded(1)}).Generate(context.Background())
		assert.True(t, errors.Is(err, ErrKey), "size %d max %d: got %v", tt.size, tt.max, err)
	}
}

func TestValidateKeySize(t *testing.T) {
	tests := []struct {
		size, max int
		wantErr   string
	}{
		{16, 0, ""},
		{24, 0, ""},
		{1 << 20, 0, ""},
		{4096, 4096, ""},
		{8, 0, "at least 16"},
		{20, 0, "multiple of 8"},
		{4104, 4096, "exceeds the maximum of 4096"},
	}
	for _, tt := range tests {
		err := ValidateKeySize(tt.size, tt.max)
		if tt.wantErr == "" {
			assert.NoError(t, err, "size %d", tt.size)
			continue
		}
		assert.ErrorContains(t, err, tt.wantErr)
		assert.True(t, errors.Is(err, ErrKey))
	}
}

func TestKeyGenerator_Exhausted(t *testing.T) {
	// With no entropy every prime candidate is the same, so p == q forever.
	g := &KeyGenerator{Size: 16, Rand: zeroReader{}, MaxAttempts: 3}
	_, err := g.Generate(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrKeyGeneration))
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestKeyGenerator_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := (&KeyGenerator{Size: 64, Rand: seeded(1)}).Generate(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

// cancelingReader cancels its context on the first read.
type cancelingReader struct {
	r      io.Reader
	cancel context.CancelFunc
}

func (c *cancelingReader) Read(p []byte) (int, error) {
	c.cancel()
	return c.r.Read(p)
}

func TestKeyGenerator_CancelledDuringSearch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g := &KeyGenerator{Size: DefaultMaxKeySize, Rand: &cancelingReader{r: seeded(1), cancel: cancel}}
	_, err := g.Generate(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProbablyPrime(t *testing.T) {
	rng := seeded(99)
	tests := []struct {
		n     int64
		prime bool
	}{
		{2, true},
		{3, true},
		{4, false},
		{5, true},
		{9, false},
		{97, true},
		{561, false}, // Carmichael
		{1105, false},
		{7919, true},
		{104729, true},
		{104730, false},
		{2147483647, true},
		{2147483649, false},
	}

	for _, tt := range tests {
		got, err := probablyPrime(rng, big.NewInt(tt.n), 20)
		require.NoError(t, err)
		assert.Equal(t, tt.prime, got, "n=%d", tt.n)
	}
}

func TestModInverse(t *testing.T) {
	inv, ok := modInverse(big.NewInt(3), big.NewInt(11))
	require.True(t, ok)
	assert.Equal(t, int64(4), inv.Int64())

	_, ok = modInverse(big.NewInt(6), big.NewInt(9))
	assert.False(t, ok)

	rng := seeded(3)
	m := big.NewInt(1000003)
	for i := 0; i < 100; i++ {
		a := big.NewInt(rng.Int63n(1000002) + 1)
		got, ok := modInverse(a, m)
		require.True(t, ok)
		assert.Equal(t, 0, got.Cmp(new(big.Int).ModInverse(a, m)))
	}
}
