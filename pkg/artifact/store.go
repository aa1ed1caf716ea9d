package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/aurelia-health/scribeflow/pkg/config"
	"github.com/aurelia-health/scribeflow/pkg/pipeline"
)

// ErrNotExist is returned when the requested artifact object is absent.
var ErrNotExist = errors.New("artifact does not exist")

// Store reads and writes artifact objects by key. Writes are
// last-writer-wins; identical re-executions write identical bytes, so
// duplicate writes are harmless.
type Store interface {
	Put(ctx context.Context, key string, data []byte) (uri string, err error)
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	URI(key string) string
}

// S3Store is the production store backed by an S3-compatible bucket.
type S3Store struct {
	client *s3.Client
	bucket string
}

// newS3Client builds the S3 client shared by the store and the object
// fetcher. Endpoint overrides support MinIO and other S3-compatible
// backends.
func newS3Client(ctx context.Context, cfg config.ArtifactSettings) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

// NewS3Store builds a store for the given bucket.
func NewS3Store(ctx context.Context, cfg config.ArtifactSettings, bucket string) (*S3Store, error) {
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &S3Store{client: client, bucket: bucket}, nil
}

// Put writes the object and returns its s3:// URI.
func (s *S3Store) Put(ctx context.Context, key string, data []byte) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", pipeline.Classify(fmt.Errorf("putting artifact %s: %w", key, err))
	}
	return s.URI(key), nil
}

// Get reads the object, mapping a missing key to ErrNotExist.
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NoSuchKey
		if errors.As(err, &notFound) {
			return nil, ErrNotExist
		}
		return nil, pipeline.Classify(fmt.Errorf("getting artifact %s: %w", key, err))
	}
	defer func() { _ = out.Body.Close() }()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, pipeline.Classify(fmt.Errorf("reading artifact %s: %w", key, err))
	}
	return data, nil
}

// Exists probes the object without downloading it.
func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		// HeadObject failures carry no body, so the 404 surfaces as a
		// generic API error code instead of a typed NoSuchKey.
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound" {
			return false, nil
		}
		return false, pipeline.Classify(fmt.Errorf("probing artifact %s: %w", key, err))
	}
	return true, nil
}

// URI renders the object's s3:// reference.
func (s *S3Store) URI(key string) string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, key)
}

// InMemStore is the in-memory store used in tests.
type InMemStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewInMemStore returns an empty in-memory store.
func NewInMemStore() *InMemStore {
	return &InMemStore{objects: make(map[string][]byte)}
}

func (s *InMemStore) Put(_ context.Context, key string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.objects[key] = cp
	return "mem://" + key, nil
}

func (s *InMemStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, ErrNotExist
	}
	return data, nil
}

func (s *InMemStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *InMemStore) URI(key string) string {
	return "mem://" + key
}

// PutJSON marshals v and writes it under key.
func PutJSON(ctx context.Context, store Store, key string, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", pipeline.Permanent("encoding artifact %s: %v", key, err)
	}
	return store.Put(ctx, key, data)
}

// GetJSON reads and unmarshals the object under key into v. A missing
// object is permanent: an absent predecessor artifact stays absent, so
// retrying the task cannot produce it.
func GetJSON(ctx context.Context, store Store, key string, v any) error {
	data, err := store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotExist) {
			return &pipeline.PermanentError{Err: fmt.Errorf("artifact %s: %w", key, ErrNotExist)}
		}
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return pipeline.Permanent("decoding artifact %s: %v", key, err)
	}
	return nil
}
