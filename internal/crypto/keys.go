package crypto

import (
	"encoding/hex"
	"math/big"

	"github.com/zeebo/blake3"
)

var (
	one = big.NewInt(1)
	two = big.NewInt(2)
)

// PublicKey is the (e, n) half of a keypair.
type PublicKey struct {
	E *big.Int
	N *big.Int
}

// PrivateKey is the (d, n) half of a keypair.
type PrivateKey struct {
	D *big.Int
	N *big.Int
}

// Keypair is an RSA keypair of Size bits. The primes are kept when known so
// Validate can check e*d = 1 mod phi.
type Keypair struct {
	Size    int
	Public  PublicKey
	Private PrivateKey

	p, q *big.Int
}

// BlockSize is the plaintext block length S, one byte shorter than the key so
// every block is below n.
func (k *Keypair) BlockSize() int { return k.Size/8 - 1 }

// CipherBlockSize is the encoded ciphertext block length.
func (k *Keypair) CipherBlockSize() int { return k.Size / 8 }

// Primes returns the factors of n, or nil when the keypair was loaded
// without them.
func (k *Keypair) Primes() (p, q *big.Int) { return k.p, k.q }

// Fingerprint identifies the public key in logs and audit events.
func (k *Keypair) Fingerprint() string {
	if k.Public.N == nil || k.Public.E == nil {
		return ""
	}
	h := blake3.New()
	h.Write(k.Public.N.Bytes())
	h.Write(k.Public.E.Bytes())
	return hex.EncodeToString(h.Sum(nil)[:8])
}

// Validate checks that the key material is usable by the cipher engine.
func (k *Keypair) Validate() error {
	if k == nil {
		return keyError("no keypair")
	}
	if err := ValidateKeySize(k.Size, 0); err != nil {
		return err
	}
	n, e, d := k.Public.N, k.Public.E, k.Private.D
	if n == nil || e == nil || d == nil {
		return keyError("missing key component")
	}
	if k.Private.N != nil && k.Private.N.Cmp(n) != 0 {
		return keyError("public and private modulus differ")
	}
	if n.BitLen() != k.Size {
		return keyError("modulus has %d bits, want %d", n.BitLen(), k.Size)
	}
	for _, x := range []struct {
		name string
		v    *big.Int
	}{{"e", e}, {"d", d}} {
		if x.v.Cmp(one) <= 0 || x.v.Cmp(n) >= 0 {
			return keyError("%s out of range (1, n)", x.name)
		}
		if x.v.BitLen() != k.Size {
			return keyError("%s has %d bits, want %d", x.name, x.v.BitLen(), k.Size)
		}
	}

	if k.p != nil && k.q != nil {
		if k.p.Cmp(one) <= 0 || k.q.Cmp(one) <= 0 {
			return keyError("p and q must be greater than 1")
		}
		if k.p.Cmp(k.q) == 0 {
			return keyError("p and q must differ")
		}
		if new(big.Int).Mul(k.p, k.q).Cmp(n) != 0 {
			return keyError("p*q does not equal n")
		}
		phi := totient(k.p, k.q)
		if new(big.Int).Mod(new(big.Int).Mul(e, d), phi).Cmp(one) != 0 {
			return keyError("e*d is not 1 mod phi")
		}
	}

	// Probe with a known message.
	c := new(big.Int).Exp(two, e, n)
	if new(big.Int).Exp(c, d, n).Cmp(two) != 0 {
		return keyError("e and d are not inverse exponents")
	}
	return nil
}

// NewKeypair assembles a keypair from its components. p and q may be nil.
func NewKeypair(size int, e, d, n, p, q *big.Int) *Keypair {
	return &Keypair{
		Size:    size,
		Public:  PublicKey{E: e, N: n},
		Private: PrivateKey{D: d, N: n},
		p:       p,
		q:       q,
	}
}

func totient(p, q *big.Int) *big.Int {
	return new(big.Int).Mul(new(big.Int).Sub(p, one), new(big.Int).Sub(q, one))
}
