package crypto

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/yaml.v3"
)

// sealedMagic prefixes passphrase-sealed bundles. Anything else is read as
// a plain YAML bundle.
const sealedMagic = "PNGCRYPT-SEALED\n"

const bundleVersion = 1

// ErrBundle is returned for unreadable or unauthenticated key bundles.
var ErrBundle = errors.New("crypto: invalid key bundle")

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("crypto: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("crypto: CBOR decoder initialization failed: " + err.Error())
	}
}

// Bundle is everything needed to decrypt a container later: the container
// itself records none of it.
type Bundle struct {
	Mode           Mode
	Key            *Keypair
	IV             []byte
	OriginalLength int
}

// SealOptions controls how a bundle is written.
type SealOptions struct {
	// Passphrase seals the bundle. Empty writes plain YAML.
	Passphrase string
	// Algorithm defaults to AlgorithmChaCha20Poly1305.
	Algorithm string
	// Iterations defaults to DefaultBundleIterations.
	Iterations int
	// Rand defaults to crypto/rand.Reader.
	Rand io.Reader
}

type bundlePayload struct {
	Version        int    `cbor:"1,keyasint"`
	Mode           string `cbor:"2,keyasint"`
	KeySize        int    `cbor:"3,keyasint"`
	N              []byte `cbor:"4,keyasint"`
	E              []byte `cbor:"5,keyasint"`
	D              []byte `cbor:"6,keyasint"`
	P              []byte `cbor:"7,keyasint,omitempty"`
	Q              []byte `cbor:"8,keyasint,omitempty"`
	IV             []byte `cbor:"9,keyasint,omitempty"`
	OriginalLength int    `cbor:"10,keyasint"`
}

type sealedEnvelope struct {
	Version    int    `cbor:"1,keyasint"`
	Algorithm  string `cbor:"2,keyasint"`
	Iterations int    `cbor:"3,keyasint"`
	Salt       []byte `cbor:"4,keyasint"`
	Nonce      []byte `cbor:"5,keyasint"`
	Ciphertext []byte `cbor:"6,keyasint"`
}

type plainBundle struct {
	Version        int    `yaml:"version"`
	Mode           string `yaml:"mode"`
	KeySize        int    `yaml:"key_size"`
	N              string `yaml:"n"`
	E              string `yaml:"e"`
	D              string `yaml:"d"`
	P              string `yaml:"p,omitempty"`
	Q              string `yaml:"q,omitempty"`
	IV             string `yaml:"iv,omitempty"`
	OriginalLength int    `yaml:"original_length"`
}

// SealBundle serialises b, sealing it when a passphrase is given.
func SealBundle(b *Bundle, opts SealOptions) ([]byte, error) {
	if b == nil || b.Key == nil {
		return nil, fmt.Errorf("%w: no keypair", ErrBundle)
	}
	payload := b.payload()

	if opts.Passphrase == "" {
		return yaml.Marshal(payload.plain())
	}

	algorithm := opts.Algorithm
	if algorithm == "" {
		algorithm = AlgorithmChaCha20Poly1305
	}
	iterations := opts.Iterations
	if iterations <= 0 {
		iterations = DefaultBundleIterations
	}
	reader := opts.Rand
	if reader == nil {
		reader = rand.Reader
	}

	plaintext, err := cborEnc.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode bundle: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	key, err := deriveSealKey(opts.Passphrase, salt, iterations)
	if err != nil {
		return nil, err
	}
	aead, err := createAEADCipher(algorithm, key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	env := sealedEnvelope{
		Version:    bundleVersion,
		Algorithm:  algorithm,
		Iterations: iterations,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, []byte(algorithm)),
	}
	encoded, err := cborEnc.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return append([]byte(sealedMagic), encoded...), nil
}

// OpenBundle reads a bundle written by SealBundle and validates its key.
func OpenBundle(data []byte, passphrase string) (*Bundle, error) {
	var payload bundlePayload
	if rest, ok := bytes.CutPrefix(data, []byte(sealedMagic)); ok {
		if passphrase == "" {
			return nil, fmt.Errorf("%w: bundle is sealed, a passphrase is required", ErrBundle)
		}
		plaintext, err := openEnvelope(rest, passphrase)
		if err != nil {
			return nil, err
		}
		if err := cborDec.Unmarshal(plaintext, &payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBundle, err)
		}
	} else {
		var plain plainBundle
		if err := yaml.Unmarshal(data, &plain); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBundle, err)
		}
		var err error
		if payload, err = plain.payload(); err != nil {
			return nil, err
		}
	}

	if payload.Version != bundleVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBundle, payload.Version)
	}
	return payload.bundle()
}

func openEnvelope(data []byte, passphrase string) ([]byte, error) {
	var env sealedEnvelope
	if err := cborDec.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBundle, err)
	}
	key, err := deriveSealKey(passphrase, env.Salt, env.Iterations)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBundle, err)
	}
	aead, err := createAEADCipher(env.Algorithm, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBundle, err)
	}
	if len(env.Nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce size %d", ErrBundle, len(env.Nonce))
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, []byte(env.Algorithm))
	if err != nil {
		return nil, fmt.Errorf("%w: wrong passphrase or tampered bundle", ErrBundle)
	}
	return plaintext, nil
}

func (b *Bundle) payload() bundlePayload {
	p, q := b.Key.Primes()
	return bundlePayload{
		Version:        bundleVersion,
		Mode:           b.Mode.String(),
		KeySize:        b.Key.Size,
		N:              b.Key.Public.N.Bytes(),
		E:              b.Key.Public.E.Bytes(),
		D:              b.Key.Private.D.Bytes(),
		P:              intBytes(p),
		Q:              intBytes(q),
		IV:             b.IV,
		OriginalLength: b.OriginalLength,
	}
}

func (p bundlePayload) bundle() (*Bundle, error) {
	mode, err := ParseMode(p.Mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBundle, err)
	}
	key := NewKeypair(p.KeySize, bytesInt(p.E), bytesInt(p.D), bytesInt(p.N), bytesInt(p.P), bytesInt(p.Q))
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return &Bundle{Mode: mode, Key: key, IV: p.IV, OriginalLength: p.OriginalLength}, nil
}

func (p bundlePayload) plain() plainBundle {
	return plainBundle{
		Version:        p.Version,
		Mode:           p.Mode,
		KeySize:        p.KeySize,
		N:              hex.EncodeToString(p.N),
		E:              hex.EncodeToString(p.E),
		D:              hex.EncodeToString(p.D),
		P:              hex.EncodeToString(p.P),
		Q:              hex.EncodeToString(p.Q),
		IV:             hex.EncodeToString(p.IV),
		OriginalLength: p.OriginalLength,
	}
}

func (pb plainBundle) payload() (bundlePayload, error) {
	out := bundlePayload{
		Version:        pb.Version,
		Mode:           pb.Mode,
		KeySize:        pb.KeySize,
		OriginalLength: pb.OriginalLength,
	}
	fields := []struct {
		name string
		src  string
		dst  *[]byte
	}{
		{"n", pb.N, &out.N},
		{"e", pb.E, &out.E},
		{"d", pb.D, &out.D},
		{"p", pb.P, &out.P},
		{"q", pb.Q, &out.Q},
		{"iv", pb.IV, &out.IV},
	}
	for _, f := range fields {
		if f.src == "" {
			continue
		}
		b, err := hex.DecodeString(f.src)
		if err != nil {
			return bundlePayload{}, fmt.Errorf("%w: field %s: %v", ErrBundle, f.name, err)
		}
		*f.dst = b
	}
	return out, nil
}

func intBytes(v *big.Int) []byte {
	if v == nil {
		return nil
	}
	return v.Bytes()
}

func bytesInt(b []byte) *big.Int {
	if len(b) == 0 {
		return nil
	}
	return new(big.Int).SetBytes(b)
}
