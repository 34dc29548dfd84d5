package crypto

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/sirupsen/logrus"
)

// Mode is a block chaining mode.
type Mode int

const (
	// ModeECB encrypts every block independently.
	ModeECB Mode = iota
	// ModeCBC XORs every block with the previous ciphertext block, or the
	// IV for the first one, before exponentiation.
	ModeCBC
)

func (m Mode) String() string {
	switch m {
	case ModeECB:
		return "ECB"
	case ModeCBC:
		return "CBC"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode accepts "ECB" or "CBC" in any case.
func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ECB":
		return ModeECB, nil
	case "CBC":
		return ModeCBC, nil
	}
	return 0, fmt.Errorf("unsupported cipher mode: %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	if m != ModeECB && m != ModeCBC {
		return nil, fmt.Errorf("unsupported cipher mode: %d", int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(b []byte) error {
	parsed, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Ciphertext is the output of an encryption. Data has the same length as
// the plaintext; the extra bytes of every ciphertext block are collected in
// Overflow. IV and OriginalLength must be kept to decrypt.
type Ciphertext struct {
	Mode           Mode
	Data           []byte
	Overflow       []byte
	IV             []byte
	OriginalLength int
}

// OverflowLength returns the number of overflow bytes produced for a
// plaintext of n bytes under key.
func OverflowLength(n int, key *Keypair) int {
	return blockCount(n, key.BlockSize())*key.CipherBlockSize() - n
}

func blockCount(n, size int) int {
	return (n + size - 1) / size
}

// Cipher encrypts and decrypts pixel streams with one keypair and mode.
type Cipher struct {
	key    *Keypair
	mode   Mode
	rand   io.Reader
	logger logrus.FieldLogger
}

// CipherOption configures a Cipher.
type CipherOption func(*Cipher)

// WithRand sets the source used for CBC initialization vectors.
func WithRand(r io.Reader) CipherOption {
	return func(c *Cipher) { c.rand = r }
}

// WithLogger sets the cipher logger.
func WithLogger(l logrus.FieldLogger) CipherOption {
	return func(c *Cipher) { c.logger = l }
}

// NewCipher validates key and returns a cipher for mode. A malformed key
// yields a *KeyError.
func NewCipher(key *Keypair, mode Mode, opts ...CipherOption) (*Cipher, error) {
	if mode != ModeECB && mode != ModeCBC {
		return nil, fmt.Errorf("unsupported cipher mode: %d", int(mode))
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	c := &Cipher{key: key, mode: mode, rand: rand.Reader}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = discardLogger()
	}
	return c, nil
}

// Encrypt encrypts plaintext in S-byte blocks. Each K-byte ciphertext block
// is split so its first len(block) bytes go to Data and the rest to
// Overflow.
func (c *Cipher) Encrypt(plaintext []byte) (*Ciphertext, error) {
	s, k := c.key.BlockSize(), c.key.CipherBlockSize()
	e, n := c.key.Public.E, c.key.Public.N

	out := &Ciphertext{
		Mode:           c.mode,
		Data:           make([]byte, 0, len(plaintext)),
		Overflow:       make([]byte, 0, OverflowLength(len(plaintext), c.key)),
		OriginalLength: len(plaintext),
	}

	var prev []byte
	if c.mode == ModeCBC {
		out.IV = make([]byte, k)
		if _, err := io.ReadFull(c.rand, out.IV); err != nil {
			return nil, fmt.Errorf("failed to generate IV: %w", err)
		}
		prev = out.IV
	}

	m := new(big.Int)
	for off := 0; off < len(plaintext); off += s {
		blk := plaintext[off:min(off+s, len(plaintext))]
		if prev != nil {
			blk = xorPrefix(blk, prev)
		}
		m.SetBytes(blk)
		cb := new(big.Int).Exp(m, e, n).FillBytes(make([]byte, k))

		out.Data = append(out.Data, cb[:len(blk)]...)
		out.Overflow = append(out.Overflow, cb[len(blk):]...)
		if prev != nil {
			prev = cb
		}
	}

	c.logger.WithFields(logrus.Fields{
		"mode":     c.mode.String(),
		"bytes":    len(plaintext),
		"blocks":   blockCount(len(plaintext), s),
		"overflow": len(out.Overflow),
	}).Debug("Encrypted pixel stream")
	return out, nil
}

// Decrypt reverses Encrypt. The lengths of Data, Overflow and, in CBC, IV
// must match OriginalLength and the key, otherwise a *LengthMismatchError
// is returned.
func (c *Cipher) Decrypt(ct *Ciphertext) ([]byte, error) {
	s, k := c.key.BlockSize(), c.key.CipherBlockSize()
	d, n := c.key.Private.D, c.key.Public.N

	if ct.Mode != c.mode {
		return nil, fmt.Errorf("ciphertext mode %s does not match cipher mode %s", ct.Mode, c.mode)
	}
	if ct.OriginalLength < 0 {
		return nil, &LengthMismatchError{Field: "original length", Want: 0, Got: ct.OriginalLength}
	}
	if len(ct.Data) != ct.OriginalLength {
		return nil, &LengthMismatchError{Field: "ciphertext", Want: ct.OriginalLength, Got: len(ct.Data)}
	}
	if want := OverflowLength(ct.OriginalLength, c.key); len(ct.Overflow) != want {
		return nil, &LengthMismatchError{Field: "overflow", Want: want, Got: len(ct.Overflow)}
	}

	var prev []byte
	if c.mode == ModeCBC {
		if len(ct.IV) != k {
			return nil, &LengthMismatchError{Field: "IV", Want: k, Got: len(ct.IV)}
		}
		prev = ct.IV
	}

	plaintext := make([]byte, 0, ct.OriginalLength)
	cval := new(big.Int)
	ovf := ct.Overflow
	for off := 0; off < len(ct.Data); off += s {
		l := min(s, len(ct.Data)-off)
		cb := make([]byte, 0, k)
		cb = append(cb, ct.Data[off:off+l]...)
		cb = append(cb, ovf[:k-l]...)
		ovf = ovf[k-l:]

		cval.SetBytes(cb)
		blk := lowBytes(new(big.Int).Exp(cval, d, n), l)
		if prev != nil {
			blk = xorPrefix(blk, prev)
			prev = cb
		}
		plaintext = append(plaintext, blk...)
	}

	c.logger.WithFields(logrus.Fields{
		"mode":  c.mode.String(),
		"bytes": len(plaintext),
	}).Debug("Decrypted pixel stream")
	return plaintext, nil
}

// Encrypt encrypts plaintext with key under mode, drawing any IV from
// crypto/rand.
func Encrypt(mode Mode, plaintext []byte, key *Keypair) (*Ciphertext, error) {
	c, err := NewCipher(key, mode)
	if err != nil {
		return nil, err
	}
	return c.Encrypt(plaintext)
}

// Decrypt recovers originalLength bytes of plaintext from data and overflow.
// iv is required for CBC and ignored for ECB.
func Decrypt(mode Mode, data, overflow []byte, key *Keypair, iv []byte, originalLength int) ([]byte, error) {
	c, err := NewCipher(key, mode)
	if err != nil {
		return nil, err
	}
	return c.Decrypt(&Ciphertext{
		Mode:           mode,
		Data:           data,
		Overflow:       overflow,
		IV:             iv,
		OriginalLength: originalLength,
	})
}

// xorPrefix returns blk XOR the first len(blk) bytes of prev.
func xorPrefix(blk, prev []byte) []byte {
	out := make([]byte, len(blk))
	for i := range blk {
		out[i] = blk[i] ^ prev[i]
	}
	return out
}

// lowBytes encodes the low l bytes of v big-endian. Values that do not fit,
// as after tampering, are truncated rather than rejected.
func lowBytes(v *big.Int, l int) []byte {
	b := v.Bytes()
	if len(b) >= l {
		return b[len(b)-l:]
	}
	out := make([]byte, l)
	copy(out[l-len(b):], b)
	return out
}
