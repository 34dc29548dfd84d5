package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// AlgorithmAES256GCM seals key bundles with AES-256-GCM.
	AlgorithmAES256GCM = "AES256-GCM"
	// AlgorithmChaCha20Poly1305 seals key bundles with ChaCha20-Poly1305.
	AlgorithmChaCha20Poly1305 = "ChaCha20-Poly1305"

	// DefaultBundleIterations is the PBKDF2 iteration count for sealed bundles.
	DefaultBundleIterations = 100000

	sealKeySize = 32 // 256 bits
	saltSize    = 32 // 256 bits
)

// AEADCipher is a cipher.AEAD that knows its algorithm name.
type AEADCipher interface {
	cipher.AEAD
	Algorithm() string
}

type aesGCMCipher struct {
	cipher.AEAD
}

func (c *aesGCMCipher) Algorithm() string {
	return AlgorithmAES256GCM
}

type chacha20Poly1305Cipher struct {
	cipher.AEAD
}

func (c *chacha20Poly1305Cipher) Algorithm() string {
	return AlgorithmChaCha20Poly1305
}

// deriveSealKey stretches a passphrase into a sealing key with PBKDF2-SHA256.
func deriveSealKey(passphrase string, salt []byte, iterations int) ([]byte, error) {
	if len(salt) != saltSize {
		return nil, fmt.Errorf("invalid salt size: expected %d bytes, got %d", saltSize, len(salt))
	}
	if iterations <= 0 {
		return nil, fmt.Errorf("invalid iteration count: %d", iterations)
	}
	return pbkdf2.Key([]byte(passphrase), salt, iterations, sealKeySize, sha256.New), nil
}

// createAEADCipher creates an AEAD cipher for the given algorithm and key.
func createAEADCipher(algorithm string, key []byte) (AEADCipher, error) {
	if len(key) != sealKeySize {
		return nil, fmt.Errorf("invalid key size for %s: expected %d bytes, got %d", algorithm, sealKeySize, len(key))
	}
	switch algorithm {
	case AlgorithmAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create AES cipher: %w", err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("failed to create GCM: %w", err)
		}
		return &aesGCMCipher{AEAD: gcm}, nil
	case AlgorithmChaCha20Poly1305:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create ChaCha20-Poly1305 cipher: %w", err)
		}
		return &chacha20Poly1305Cipher{AEAD: aead}, nil
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", algorithm)
	}
}
