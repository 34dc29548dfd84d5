// Package store reads and writes image and key bundle locations: local
// paths, "-" for stdin/stdout, and s3://bucket/key objects.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/pngcrypt/internal/config"
	"github.com/kenneth/pngcrypt/internal/metrics"
)

// ErrNotFound is returned when a location does not exist.
var ErrNotFound = errors.New("store: not found")

// Backend names used in logs and metrics labels.
const (
	BackendFile  = "file"
	BackendS3    = "s3"
	BackendStdio = "stdio"
)

// Location is a parsed storage location.
type Location struct {
	Backend string
	// Path is the local path for BackendFile.
	Path   string
	Bucket string
	Key    string
}

func (l Location) String() string {
	switch l.Backend {
	case BackendS3:
		return "s3://" + l.Bucket + "/" + l.Key
	case BackendStdio:
		return "-"
	default:
		return l.Path
	}
}

// ParseLocation interprets s as "-", s3://bucket/key or a local path.
func ParseLocation(s string) (Location, error) {
	switch {
	case s == "":
		return Location{}, fmt.Errorf("empty location")
	case s == "-":
		return Location{Backend: BackendStdio}, nil
	case strings.HasPrefix(s, "s3://"):
		bucket, key, ok := strings.Cut(strings.TrimPrefix(s, "s3://"), "/")
		if !ok || bucket == "" || key == "" {
			return Location{}, fmt.Errorf("invalid s3 location %q: want s3://bucket/key", s)
		}
		return Location{Backend: BackendS3, Bucket: bucket, Key: key}, nil
	default:
		return Location{Backend: BackendFile, Path: s}, nil
	}
}

// ObjectAPI is the part of the S3 client the store uses.
type ObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewS3Client creates an S3 client from the storage configuration. Static
// credentials are used when configured, otherwise the default AWS chain.
func NewS3Client(ctx context.Context, cfg config.StorageConfig) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// Store moves whole files between locations and memory.
type Store struct {
	cfg     config.StorageConfig
	metrics *metrics.Metrics
	logger  logrus.FieldLogger

	mu     sync.Mutex
	client ObjectAPI

	stdin  io.Reader
	stdout io.Writer
}

// New creates a store. The S3 client is created on first use of an s3://
// location. Metrics may be nil.
func New(cfg config.StorageConfig, m *metrics.Metrics, logger logrus.FieldLogger) *Store {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	return &Store{
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		stdin:   os.Stdin,
		stdout:  os.Stdout,
	}
}

// NewWithClient creates a store that uses client for s3:// locations.
func NewWithClient(client ObjectAPI, m *metrics.Metrics, logger logrus.FieldLogger) *Store {
	s := New(config.StorageConfig{}, m, logger)
	s.client = client
	return s
}

// WithStdio replaces the streams behind the "-" location.
func (s *Store) WithStdio(in io.Reader, out io.Writer) *Store {
	s.stdin = in
	s.stdout = out
	return s
}

func (s *Store) objectAPI(ctx context.Context) (ObjectAPI, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		client, err := NewS3Client(ctx, s.cfg)
		if err != nil {
			return nil, err
		}
		s.client = client
	}
	return s.client, nil
}

// Read returns the full contents of location.
func (s *Store) Read(ctx context.Context, location string) ([]byte, error) {
	loc, err := ParseLocation(location)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	data, err := s.read(ctx, loc)
	s.record("get", loc, start, err)
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"location": loc.String(),
		"bytes":    len(data),
	}).Debug("Read location")
	return data, nil
}

func (s *Store) read(ctx context.Context, loc Location) ([]byte, error) {
	switch loc.Backend {
	case BackendStdio:
		data, err := io.ReadAll(s.stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return data, nil
	case BackendS3:
		client, err := s.objectAPI(ctx)
		if err != nil {
			return nil, err
		}
		out, err := client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(loc.Bucket),
			Key:    aws.String(loc.Key),
		})
		if err != nil {
			if isNoSuchKey(err) {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, loc)
			}
			return nil, fmt.Errorf("failed to get object %s/%s: %w", loc.Bucket, loc.Key, err)
		}
		defer out.Body.Close()
		data, err := io.ReadAll(out.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read object %s/%s: %w", loc.Bucket, loc.Key, err)
		}
		return data, nil
	default:
		data, err := os.ReadFile(loc.Path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, loc.Path)
			}
			return nil, fmt.Errorf("failed to read file: %w", err)
		}
		return data, nil
	}
}

// Write stores data at location, replacing any existing content. Local
// files are created with perm.
func (s *Store) Write(ctx context.Context, location string, data []byte, perm os.FileMode) error {
	loc, err := ParseLocation(location)
	if err != nil {
		return err
	}

	start := time.Now()
	err = s.write(ctx, loc, data, perm)
	s.record("put", loc, start, err)
	if err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{
		"location": loc.String(),
		"bytes":    len(data),
	}).Debug("Wrote location")
	return nil
}

func (s *Store) write(ctx context.Context, loc Location, data []byte, perm os.FileMode) error {
	switch loc.Backend {
	case BackendStdio:
		if _, err := s.stdout.Write(data); err != nil {
			return fmt.Errorf("failed to write stdout: %w", err)
		}
		return nil
	case BackendS3:
		client, err := s.objectAPI(ctx)
		if err != nil {
			return err
		}
		_, err = client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(loc.Bucket),
			Key:           aws.String(loc.Key),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
			ContentType:   aws.String(contentType(loc.Key)),
		})
		if err != nil {
			return fmt.Errorf("failed to put object %s/%s: %w", loc.Bucket, loc.Key, err)
		}
		return nil
	default:
		if err := os.WriteFile(loc.Path, data, perm); err != nil {
			return fmt.Errorf("failed to write file: %w", err)
		}
		return nil
	}
}

func (s *Store) record(operation string, loc Location, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	if err != nil {
		s.metrics.RecordStoreError(operation, loc.Backend)
		return
	}
	s.metrics.RecordStoreOperation(operation, loc.Backend, time.Since(start))
}

func contentType(key string) string {
	if strings.EqualFold(path.Ext(key), ".png") {
		return "image/png"
	}
	return "application/octet-stream"
}

// isNoSuchKey reports whether err is S3's missing object error.
func isNoSuchKey(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
