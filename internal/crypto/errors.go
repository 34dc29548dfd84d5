package crypto

import (
	"errors"
	"fmt"
)

var (
	// ErrKey matches every *KeyError.
	ErrKey = errors.New("crypto: invalid key")
	// ErrLengthMismatch matches every *LengthMismatchError.
	ErrLengthMismatch = errors.New("crypto: length mismatch")
	// ErrKeyGeneration is returned when the key search gives up.
	ErrKeyGeneration = errors.New("crypto: key generation failed")
)

// KeyError reports key material that cannot be used by the cipher engine.
type KeyError struct {
	Reason string
}

func (e *KeyError) Error() string { return "crypto: invalid key: " + e.Reason }

// Is makes errors.Is(err, ErrKey) succeed.
func (e *KeyError) Is(target error) bool { return target == ErrKey }

func keyError(format string, args ...interface{}) *KeyError {
	return &KeyError{Reason: fmt.Sprintf(format, args...)}
}

// LengthMismatchError reports decrypt inputs that do not line up with the
// recorded plaintext length or IV.
type LengthMismatchError struct {
	Field string
	Want  int
	Got   int
}

func (e *LengthMismatchError) Error() string {
	return fmt.Sprintf("crypto: length mismatch for %s: want %d bytes, got %d", e.Field, e.Want, e.Got)
}

// Is makes errors.Is(err, ErrLengthMismatch) succeed.
func (e *LengthMismatchError) Is(target error) bool { return target == ErrLengthMismatch }
