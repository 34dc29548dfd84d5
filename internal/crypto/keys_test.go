package crypto

import (
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeypair_Validate(t *testing.T) {
	base := testKey(t, 64, 11)
	p, q := base.Primes()
	e, d, n := base.Public.E, base.Private.D, base.Public.N
	plus := func(v *big.Int, k int64) *big.Int { return new(big.Int).Add(v, big.NewInt(k)) }

	tests := []struct {
		name   string
		key    *Keypair
		reason string
	}{
		{"valid", base, ""},
		{"valid without primes", NewKeypair(64, e, d, n, nil, nil), ""},
		{"nil", nil, "no keypair"},
		{"size not byte aligned", NewKeypair(60, e, d, n, p, q), "multiple of 8"},
		{"size too small", NewKeypair(8, e, d, n, p, q), "at least 16"},
		{"size mismatch", NewKeypair(72, e, d, n, p, q), "modulus has 64 bits"},
		{"missing d", NewKeypair(64, e, nil, n, p, q), "missing key component"},
		{"e is one", NewKeypair(64, big.NewInt(1), d, n, p, q), "e out of range"},
		{"e equals n", NewKeypair(64, n, d, n, p, q), "e out of range"},
		{"short d", NewKeypair(64, e, big.NewInt(65537), n, p, q), "d has 17 bits"},
		{"tampered d", NewKeypair(64, e, plus(d, -2), n, p, q), "e*d is not 1 mod phi"},
		{"tampered d without primes", NewKeypair(64, e, plus(d, -2), n, nil, nil), "not inverse exponents"},
		{"wrong primes", NewKeypair(64, e, d, n, p, plus(q, 2)), "p*q does not equal n"},
		{"q is one", NewKeypair(64, e, d, n, n, big.NewInt(1)), "greater than 1"},
		{"p is one", NewKeypair(64, e, d, n, big.NewInt(1), n), "greater than 1"},
		{"q is zero", NewKeypair(64, e, d, n, p, big.NewInt(0)), "greater than 1"},
		{"negative p", NewKeypair(64, e, d, n, big.NewInt(-1), q), "greater than 1"},
		{"equal primes", NewKeypair(64, e, d, n, p, p), "must differ"},
		{
			"modulus differs",
			&Keypair{Size: 64, Public: PublicKey{E: e, N: n}, Private: PrivateKey{D: d, N: plus(n, 2)}},
			"modulus differ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.key.Validate()
			if tt.reason == "" {
				assert.NoError(t, err)
				return
			}
			var ke *KeyError
			if assert.True(t, errors.As(err, &ke), "got %v", err) {
				assert.Contains(t, ke.Reason, tt.reason)
			}
			assert.True(t, errors.Is(err, ErrKey))
		})
	}
}

func TestKeypair_BlockSizes(t *testing.T) {
	key := testKey(t, 64, 1)
	assert.Equal(t, 7, key.BlockSize())
	assert.Equal(t, 8, key.CipherBlockSize())
}

func TestKeypair_Fingerprint(t *testing.T) {
	key := testKey(t, 64, 1)
	fp := key.Fingerprint()
	assert.Len(t, fp, 16)
	assert.Equal(t, fp, NewKeypair(64, key.Public.E, key.Private.D, key.Public.N, nil, nil).Fingerprint())
	assert.Empty(t, (&Keypair{}).Fingerprint())
}
