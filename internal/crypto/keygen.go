package crypto

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultKeySize is the key size used when none is configured.
	DefaultKeySize = 1024
	// DefaultMaxKeySize bounds generated keys when no limit is configured.
	DefaultMaxKeySize = 4096
	// DefaultMaxAttempts bounds the number of prime pairs tried per key.
	DefaultMaxAttempts = 10000
	// MinRounds is the minimum number of Miller-Rabin rounds per candidate.
	MinRounds = 5

	// exponentDraws is the number of e candidates tried per prime pair.
	exponentDraws = 64
)

// KeyGenerator searches for RSA keypairs by rejection sampling: prime pairs
// and exponents are drawn at random until e and d both have exactly Size
// bits.
type KeyGenerator struct {
	Size int
	// MaxSize bounds Size. Zero means DefaultMaxKeySize.
	MaxSize int
	// Rand is the randomness source. Nil means crypto/rand.Reader.
	Rand io.Reader
	// MaxAttempts bounds the prime pairs tried. Zero means DefaultMaxAttempts.
	MaxAttempts int
	// Rounds is the Miller-Rabin round count, raised to MinRounds if lower.
	Rounds int
	Logger logrus.FieldLogger
}

// NewKeyGenerator returns a generator for size-bit keys with default
// settings.
func NewKeyGenerator(size int) *KeyGenerator {
	return &KeyGenerator{Size: size}
}

// GenerateKeys creates a size-bit keypair using crypto/rand.
func GenerateKeys(size int) (*Keypair, error) {
	return NewKeyGenerator(size).Generate(context.Background())
}

// ValidateKeySize checks that size is a whole number of bytes, at least 16
// bits, and no larger than max. A max of zero or less disables the upper
// bound.
func ValidateKeySize(size, max int) error {
	if size < 16 || size%8 != 0 {
		return keyError("key size %d must be a multiple of 8 and at least 16", size)
	}
	if max > 0 && size > max {
		return keyError("key size %d exceeds the maximum of %d", size, max)
	}
	return nil
}

// Generate runs the key search. The context is checked for every prime
// candidate.
func (g *KeyGenerator) Generate(ctx context.Context) (*Keypair, error) {
	maxSize := g.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxKeySize
	}
	if err := ValidateKeySize(g.Size, maxSize); err != nil {
		return nil, err
	}
	reader := g.Rand
	if reader == nil {
		reader = rand.Reader
	}
	attempts := g.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	rounds := g.Rounds
	if rounds < MinRounds {
		rounds = MinRounds
	}
	logger := g.Logger
	if logger == nil {
		logger = discardLogger()
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		p, err := randomPrime(ctx, reader, g.Size/2, rounds)
		if err != nil {
			return nil, err
		}
		q, err := randomPrime(ctx, reader, g.Size/2, rounds)
		if err != nil {
			return nil, err
		}
		if p.Cmp(q) == 0 {
			continue
		}
		phi := totient(p, q)
		if phi.BitLen() != g.Size {
			continue
		}

		e, d, err := pickExponents(reader, phi, g.Size)
		if err != nil {
			return nil, err
		}
		if e == nil {
			continue
		}

		key := NewKeypair(g.Size, e, d, new(big.Int).Mul(p, q), p, q)
		logger.WithFields(logrus.Fields{
			"size":        g.Size,
			"attempts":    attempt,
			"fingerprint": key.Fingerprint(),
		}).Debug("Generated keypair")
		return key, nil
	}
	return nil, fmt.Errorf("%w: no %d-bit keypair after %d attempts", ErrKeyGeneration, g.Size, attempts)
}

// pickExponents draws e in [2^(size-1), 2^size) until it is a unit mod phi
// with an inverse of exactly size bits. A nil e means the prime pair should
// be discarded.
func pickExponents(reader io.Reader, phi *big.Int, size int) (*big.Int, *big.Int, error) {
	low := new(big.Int).Lsh(one, uint(size-1))
	for i := 0; i < exponentDraws; i++ {
		e, err := rand.Int(reader, low)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to draw exponent: %w", err)
		}
		e.Add(e, low)
		if e.Cmp(phi) >= 0 {
			continue
		}
		inv, ok := modInverse(e, phi)
		if !ok || inv.BitLen() != size {
			continue
		}
		return e, inv, nil
	}
	return nil, nil, nil
}

// randomPrime draws odd bits-bit candidates with the top two bits set, so
// the product of two of them has exactly 2*bits bits, until one passes the
// Miller-Rabin test.
func randomPrime(ctx context.Context, reader io.Reader, bits, rounds int) (*big.Int, error) {
	if bits < 3 {
		return nil, keyError("prime size %d too small", bits)
	}
	span := new(big.Int).Lsh(one, uint(bits))
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := rand.Int(reader, span)
		if err != nil {
			return nil, fmt.Errorf("failed to draw prime candidate: %w", err)
		}
		n.SetBit(n, bits-1, 1)
		n.SetBit(n, bits-2, 1)
		n.SetBit(n, 0, 1)
		ok, err := probablyPrime(reader, n, rounds)
		if err != nil {
			return nil, err
		}
		if ok {
			return n, nil
		}
	}
}

// probablyPrime runs the Miller-Rabin test with rounds random witnesses in
// [2, n-2].
func probablyPrime(reader io.Reader, n *big.Int, rounds int) (bool, error) {
	if n.Cmp(big.NewInt(3)) <= 0 {
		return n.Cmp(one) > 0, nil
	}
	if n.Bit(0) == 0 {
		return false, nil
	}

	// n-1 = s * 2^t with s odd.
	nm1 := new(big.Int).Sub(n, one)
	s := new(big.Int).Set(nm1)
	t := 0
	for s.Bit(0) == 0 {
		s.Rsh(s, 1)
		t++
	}

	// Witnesses a are drawn from [2, n-2], i.e. 2 + [0, n-3).
	span := new(big.Int).Sub(n, big.NewInt(3))
	for i := 0; i < rounds; i++ {
		a, err := rand.Int(reader, span)
		if err != nil {
			return false, fmt.Errorf("failed to draw witness: %w", err)
		}
		a.Add(a, two)

		v := new(big.Int).Exp(a, s, n)
		if v.Cmp(one) == 0 || v.Cmp(nm1) == 0 {
			continue
		}
		composite := true
		for j := 1; j < t; j++ {
			v.Mul(v, v).Mod(v, n)
			if v.Cmp(nm1) == 0 {
				composite = false
				break
			}
		}
		if composite {
			return false, nil
		}
	}
	return true, nil
}

// modInverse computes a^-1 mod m with the iterative extended Euclidean
// algorithm. ok is false when gcd(a, m) != 1.
func modInverse(a, m *big.Int) (inv *big.Int, ok bool) {
	oldR, r := new(big.Int).Set(a), new(big.Int).Set(m)
	oldS, s := big.NewInt(1), big.NewInt(0)
	q := new(big.Int)
	for r.Sign() != 0 {
		q.Quo(oldR, r)
		oldR, r = r, new(big.Int).Sub(oldR, new(big.Int).Mul(q, r))
		oldS, s = s, new(big.Int).Sub(oldS, new(big.Int).Mul(q, s))
	}
	if oldR.Cmp(one) != 0 {
		return nil, false
	}
	return oldS.Mod(oldS, m), true
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
