package png

import (
	"errors"
	"fmt"
)

// Sentinel errors usable with errors.Is against the typed errors below.
var (
	ErrFormat      = errors.New("png: invalid format")
	ErrValidation  = errors.New("png: validation failed")
	ErrCorruption  = errors.New("png: corrupt image data")
	ErrUnsupported = errors.New("png: unsupported feature")
)

// FormatError reports that the byte stream is not a well-formed container:
// a bad signature, a truncated record or a checksum mismatch.
type FormatError struct {
	Reason string
	Offset int64
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("png: invalid format at offset %d: %s", e.Offset, e.Reason)
}

// Is makes errors.Is(err, ErrFormat) succeed.
func (e *FormatError) Is(target error) bool { return target == ErrFormat }

// Rule identifies a structural invariant checked by Validate.
type Rule string

// Structural rules, in the order Validate checks them.
const (
	RuleIHDRCount       Rule = "ihdr-count"
	RuleIHDRFirst       Rule = "ihdr-first"
	RuleIHDRWidth       Rule = "ihdr-width"
	RuleIHDRHeight      Rule = "ihdr-height"
	RuleIHDRBitDepth    Rule = "ihdr-bit-depth"
	RuleIHDRColorType   Rule = "ihdr-color-type"
	RuleIHDRDepthColor  Rule = "ihdr-depth-color"
	RuleIHDRCompression Rule = "ihdr-compression"
	RuleIHDRFilter      Rule = "ihdr-filter"
	RuleIHDRInterlace   Rule = "ihdr-interlace"
	RuleCHRMCount       Rule = "chrm-count"
	RuleCHRMOrder       Rule = "chrm-order"
	RuleGAMACount       Rule = "gama-count"
	RuleGAMAOrder       Rule = "gama-order"
	RulePLTECount       Rule = "plte-count"
	RulePLTEColorType   Rule = "plte-color-type"
	RulePLTEOrder       Rule = "plte-order"
	RulePLTELength      Rule = "plte-length"
	RulePLTEEntries     Rule = "plte-entries"
	RulePLTERequired    Rule = "plte-required"
	RuleIDATMissing     Rule = "idat-missing"
	RuleIDATContiguous  Rule = "idat-contiguous"
	RuleIENDCount       Rule = "iend-count"
	RuleIENDLength      Rule = "iend-length"
	RuleIENDLast        Rule = "iend-last"
	RuleTIMECount       Rule = "time-count"
)

// ValidationError reports the first structural rule a decoded chunk
// sequence violates, together with the offending value.
type ValidationError struct {
	Rule    Rule
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("png: validation failed [%s]: %s (got %v)", e.Rule, e.Message, e.Value)
}

// Is makes errors.Is(err, ErrValidation) succeed.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func violation(rule Rule, value interface{}, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Rule: rule, Value: value, Message: fmt.Sprintf(format, args...)}
}

// CorruptionError reports payload-level damage found during reconstruction,
// after the structural checks already passed.
type CorruptionError struct {
	Reason string
}

func (e *CorruptionError) Error() string { return "png: corrupt image data: " + e.Reason }

// Is makes errors.Is(err, ErrCorruption) succeed.
func (e *CorruptionError) Is(target error) bool { return target == ErrCorruption }

func corruption(format string, args ...interface{}) *CorruptionError {
	return &CorruptionError{Reason: fmt.Sprintf(format, args...)}
}
