// Package pipeline runs the stages between an input container and an output
// container: decode, validate, reconstruct, transform, cipher and emit. Each
// stage is timed, traced and counted.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenneth/pngcrypt/internal/audit"
	"github.com/kenneth/pngcrypt/internal/config"
	"github.com/kenneth/pngcrypt/internal/crypto"
	"github.com/kenneth/pngcrypt/internal/metrics"
	"github.com/kenneth/pngcrypt/internal/png"
	"github.com/kenneth/pngcrypt/internal/tracing"
)

// Options controls every stage of the pipeline.
type Options struct {
	VerifyCRC         bool
	MaxChunkLength    uint32
	SkipGamma         bool
	CompressionLevel  int
	KeySize           int
	MaxKeySize        int
	MaxKeygenAttempts int
	// Rand feeds key generation and CBC IVs. Nil means crypto/rand.
	Rand io.Reader
}

// OptionsFromConfig maps the decoder, crypto and emit sections of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		VerifyCRC:         cfg.Decoder.VerifyCRC,
		MaxChunkLength:    cfg.Decoder.MaxChunkLength,
		SkipGamma:         cfg.Decoder.SkipGamma,
		CompressionLevel:  cfg.Emit.CompressionLevel,
		KeySize:           cfg.Crypto.KeySize,
		MaxKeySize:        cfg.Crypto.MaxKeySize,
		MaxKeygenAttempts: cfg.Crypto.MaxKeygenAttempts,
	}
}

// Pipeline wires the png and crypto packages to logging, metrics, audit and
// tracing. Metrics and audit may be nil.
type Pipeline struct {
	opts    Options
	logger  logrus.FieldLogger
	metrics *metrics.Metrics
	audit   audit.Logger
	tracer  trace.Tracer
}

// New creates a pipeline.
func New(opts Options, logger logrus.FieldLogger, m *metrics.Metrics, auditLogger audit.Logger) *Pipeline {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	if opts.KeySize == 0 {
		opts.KeySize = crypto.DefaultKeySize
	}
	return &Pipeline{
		opts:    opts,
		logger:  logger,
		metrics: m,
		audit:   auditLogger,
		tracer:  otel.Tracer(tracing.TracerName),
	}
}

// ErrorType classifies err for metrics labels and HTTP status mapping.
func ErrorType(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, png.ErrFormat):
		return "format"
	case errors.Is(err, png.ErrValidation):
		return "validation"
	case errors.Is(err, png.ErrCorruption):
		return "corruption"
	case errors.Is(err, png.ErrUnsupported):
		return "unsupported"
	case errors.Is(err, crypto.ErrLengthMismatch):
		return "length_mismatch"
	case errors.Is(err, crypto.ErrKey):
		return "key"
	case errors.Is(err, crypto.ErrKeyGeneration):
		return "keygen"
	case errors.Is(err, crypto.ErrBundle):
		return "bundle"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "internal"
	}
}

// stage runs fn inside a span and records its outcome. fn returns the
// number of bytes it processed.
func (p *Pipeline) stage(ctx context.Context, name string, fn func(ctx context.Context) (int, error)) error {
	ctx, span := p.tracer.Start(ctx, "pipeline."+name)
	defer span.End()

	start := time.Now()
	n, err := fn(ctx)
	duration := time.Since(start)

	span.SetAttributes(attribute.Int("pngcrypt.bytes", n))
	if err != nil {
		kind := ErrorType(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
		if p.metrics != nil {
			p.metrics.RecordError(name, kind)
			var verr *png.ValidationError
			if errors.As(err, &verr) {
				p.metrics.RecordValidationFailure(string(verr.Rule))
			}
		}
		p.logger.WithError(err).WithFields(logrus.Fields{
			"stage":      name,
			"error_type": kind,
		}).Debug("Pipeline stage failed")
		return err
	}

	span.SetStatus(codes.Ok, "")
	if p.metrics != nil {
		p.metrics.RecordOperation(name, duration, int64(n))
	}
	p.logger.WithFields(logrus.Fields{
		"stage":       name,
		"bytes":       n,
		"duration_ms": duration.Milliseconds(),
	}).Debug("Pipeline stage complete")
	return nil
}

func (p *Pipeline) decode(ctx context.Context, r io.Reader) (*png.Image, error) {
	var img *png.Image
	err := p.stage(ctx, "decode", func(context.Context) (int, error) {
		var err error
		img, err = png.Decode(r, png.DecodeOptions{
			VerifyCRC:      p.opts.VerifyCRC,
			KeepTrailer:    true,
			MaxChunkLength: p.opts.MaxChunkLength,
			Logger:         p.logger,
		})
		if err != nil {
			return 0, err
		}
		return len(img.Chunks), nil
	})
	return img, err
}

func (p *Pipeline) validate(ctx context.Context, img *png.Image) error {
	return p.stage(ctx, "validate", func(context.Context) (int, error) {
		return len(img.Chunks), png.Validate(img)
	})
}

func (p *Pipeline) reconstruct(ctx context.Context, img *png.Image) error {
	return p.stage(ctx, "reconstruct", func(context.Context) (int, error) {
		pixels, err := png.Reconstruct(img)
		return len(pixels), err
	})
}

func (p *Pipeline) transform(ctx context.Context, img *png.Image) error {
	return p.stage(ctx, "transform", func(context.Context) (int, error) {
		err := png.ApplyColorTransforms(img, png.TransformOptions{
			SkipGamma: p.opts.SkipGamma,
			Logger:    p.logger,
		})
		return len(img.Pixels), err
	})
}

func (p *Pipeline) emit(ctx context.Context, w io.Writer, img *png.Image, pixels, overflow []byte) error {
	return p.stage(ctx, "emit", func(context.Context) (int, error) {
		return len(pixels) + len(overflow), png.EmitContainer(w, pixels, overflow, img.Layout(), png.EmitOptions{
			CompressionLevel: p.opts.CompressionLevel,
		})
	})
}

// Inspect decodes and validates a container without touching pixel data.
// Bytes after IEND are kept in the returned image's Trailer. On a validation
// failure the decoded image is still returned alongside the error.
func (p *Pipeline) Inspect(ctx context.Context, r io.Reader, source string) (*png.Image, error) {
	start := time.Now()
	img, err := p.decode(ctx, r)
	if err == nil {
		err = p.validate(ctx, img)
	}

	if p.audit != nil {
		var meta map[string]interface{}
		if img != nil {
			meta = map[string]interface{}{"chunks": len(img.Chunks)}
		}
		p.audit.LogInspect(audit.EventTypeInspect, source, err, time.Since(start), meta)
	}
	return img, err
}

// Load runs decode, validate, reconstruct and the color transforms, leaving
// the working pixel stream in img.Pixels.
func (p *Pipeline) Load(ctx context.Context, r io.Reader) (*png.Image, error) {
	img, err := p.decode(ctx, r)
	if err != nil {
		return nil, err
	}
	if err := p.validate(ctx, img); err != nil {
		return nil, err
	}
	if err := p.reconstruct(ctx, img); err != nil {
		return nil, err
	}
	if err := p.transform(ctx, img); err != nil {
		return nil, err
	}
	return img, nil
}

// GenerateKeys searches for a keypair of size bits. Zero means the
// configured size.
func (p *Pipeline) GenerateKeys(ctx context.Context, size int) (*crypto.Keypair, error) {
	if size == 0 {
		size = p.opts.KeySize
	}
	start := time.Now()

	var key *crypto.Keypair
	err := p.stage(ctx, "keygen", func(ctx context.Context) (int, error) {
		gen := &crypto.KeyGenerator{
			Size:        size,
			MaxSize:     p.opts.MaxKeySize,
			Rand:        p.opts.Rand,
			MaxAttempts: p.opts.MaxKeygenAttempts,
			Logger:      p.logger,
		}
		var err error
		key, err = gen.Generate(ctx)
		return size / 8, err
	})

	fingerprint := ""
	if err == nil {
		fingerprint = key.Fingerprint()
		if p.metrics != nil {
			p.metrics.RecordKeyGenerated(size)
		}
		p.logger.WithFields(logrus.Fields{
			"size":        size,
			"fingerprint": fingerprint,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Info("Generated keypair")
	}
	if p.audit != nil {
		p.audit.LogKeygen(size, fingerprint, err, time.Since(start))
	}
	if err != nil {
		return nil, err
	}
	return key, nil
}

// Encrypt reads a container from r, encrypts its pixel stream under key and
// mode, and writes the result to w. The returned bundle is required to
// decrypt it; the output container does not record it. Indexed-color input
// is rejected.
func (p *Pipeline) Encrypt(ctx context.Context, r io.Reader, w io.Writer, key *crypto.Keypair, mode crypto.Mode, source string) (*crypto.Bundle, error) {
	start := time.Now()
	bundle, overflow, err := p.encrypt(ctx, r, w, key, mode)

	if err == nil {
		if p.metrics != nil {
			p.metrics.RecordOverflow(mode.String(), overflow)
		}
		p.logger.WithFields(logrus.Fields{
			"source":          source,
			"mode":            mode.String(),
			"original_length": bundle.OriginalLength,
			"overflow":        overflow,
		}).Info("Encrypted image")
	}
	if p.audit != nil {
		size, fingerprint := keyInfo(key)
		var meta map[string]interface{}
		if err == nil {
			meta = map[string]interface{}{
				"original_length": bundle.OriginalLength,
				"overflow":        overflow,
			}
		}
		p.audit.LogCipher(audit.EventTypeEncrypt, source, mode.String(), size, fingerprint, err, time.Since(start), meta)
	}
	if err != nil {
		return nil, err
	}
	return bundle, nil
}

func (p *Pipeline) encrypt(ctx context.Context, r io.Reader, w io.Writer, key *crypto.Keypair, mode crypto.Mode) (*crypto.Bundle, int, error) {
	opts := []crypto.CipherOption{crypto.WithLogger(p.logger)}
	if p.opts.Rand != nil {
		opts = append(opts, crypto.WithRand(p.opts.Rand))
	}
	c, err := crypto.NewCipher(key, mode, opts...)
	if err != nil {
		return nil, 0, err
	}

	img, err := p.decode(ctx, r)
	if err != nil {
		return nil, 0, err
	}
	if err := p.validate(ctx, img); err != nil {
		return nil, 0, err
	}
	if h, ok := img.Header(); ok && h.ColorType == png.ColorIndexed {
		return nil, 0, fmt.Errorf("%w: indexed-color images cannot be encrypted", png.ErrUnsupported)
	}
	if err := p.reconstruct(ctx, img); err != nil {
		return nil, 0, err
	}
	if err := p.transform(ctx, img); err != nil {
		return nil, 0, err
	}

	var ct *crypto.Ciphertext
	err = p.stage(ctx, "encrypt", func(context.Context) (int, error) {
		var err error
		ct, err = c.Encrypt(img.Pixels)
		return len(img.Pixels), err
	})
	if err != nil {
		return nil, 0, err
	}

	if err := p.emit(ctx, w, img, ct.Data, ct.Overflow); err != nil {
		return nil, 0, err
	}

	return &crypto.Bundle{
		Mode:           mode,
		Key:            key,
		IV:             ct.IV,
		OriginalLength: ct.OriginalLength,
	}, len(ct.Overflow), nil
}

// Decrypt reads a container produced by Encrypt from r, recovers the
// overflow bytes from after IEND, and writes the decrypted container to w.
func (p *Pipeline) Decrypt(ctx context.Context, r io.Reader, w io.Writer, bundle *crypto.Bundle, source string) error {
	start := time.Now()
	err := p.decrypt(ctx, r, w, bundle)

	if err == nil {
		p.logger.WithFields(logrus.Fields{
			"source":          source,
			"mode":            bundle.Mode.String(),
			"original_length": bundle.OriginalLength,
		}).Info("Decrypted image")
	}
	if p.audit != nil {
		var (
			mode        string
			size        int
			fingerprint string
		)
		if bundle != nil {
			mode = bundle.Mode.String()
			size, fingerprint = keyInfo(bundle.Key)
		}
		p.audit.LogCipher(audit.EventTypeDecrypt, source, mode, size, fingerprint, err, time.Since(start), nil)
	}
	return err
}

func (p *Pipeline) decrypt(ctx context.Context, r io.Reader, w io.Writer, bundle *crypto.Bundle) error {
	if bundle == nil {
		return fmt.Errorf("%w: missing bundle", crypto.ErrBundle)
	}
	c, err := crypto.NewCipher(bundle.Key, bundle.Mode, crypto.WithLogger(p.logger))
	if err != nil {
		return err
	}

	img, err := p.Load(ctx, r)
	if err != nil {
		return err
	}

	var plain []byte
	err = p.stage(ctx, "decrypt", func(context.Context) (int, error) {
		var err error
		plain, err = c.Decrypt(&crypto.Ciphertext{
			Mode:           bundle.Mode,
			Data:           img.Pixels,
			Overflow:       img.Trailer,
			IV:             bundle.IV,
			OriginalLength: bundle.OriginalLength,
		})
		return len(img.Pixels), err
	})
	if err != nil {
		return err
	}

	return p.emit(ctx, w, img, plain, nil)
}

// Clean writes a copy of the container holding only its critical chunks.
func (p *Pipeline) Clean(ctx context.Context, r io.Reader, w io.Writer, source string) error {
	start := time.Now()
	img, err := p.decode(ctx, r)
	if err == nil {
		err = p.stage(ctx, "clean", func(context.Context) (int, error) {
			return len(img.Chunks), png.WriteClean(w, img)
		})
	}
	if p.audit != nil {
		p.audit.LogInspect(audit.EventTypeClean, source, err, time.Since(start), nil)
	}
	return err
}

func keyInfo(key *crypto.Keypair) (int, string) {
	if key == nil {
		return 0, ""
	}
	return key.Size, key.Fingerprint()
}
