package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/aurelia-health/scribeflow/pkg/config"
	"github.com/aurelia-health/scribeflow/pkg/pipeline"
)

// ObjectFetcher reads raw uploaded objects by bucket and key. Unlike
// Store it is not bucket-bound: the input bucket arrives on the event.
type ObjectFetcher interface {
	Fetch(ctx context.Context, bucket, key string) ([]byte, error)
}

// S3Fetcher fetches input objects from S3-compatible storage.
type S3Fetcher struct {
	client *s3.Client
}

// NewS3Fetcher builds a fetcher sharing the artifact store's endpoint
// configuration.
func NewS3Fetcher(ctx context.Context, cfg config.ArtifactSettings) (*S3Fetcher, error) {
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &S3Fetcher{client: client}, nil
}

// Fetch downloads one object. A missing object is permanent: the
// notification referenced something that no longer exists, and
// redelivery will not bring it back.
func (f *S3Fetcher) Fetch(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NoSuchKey
		if errors.As(err, &notFound) {
			return nil, pipeline.Permanent("input object %s/%s does not exist", bucket, key)
		}
		return nil, pipeline.Classify(fmt.Errorf("fetching input object %s/%s: %w", bucket, key, err))
	}
	defer func() { _ = out.Body.Close() }()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, pipeline.Classify(fmt.Errorf("reading input object %s/%s: %w", bucket, key, err))
	}
	return data, nil
}

// InMemFetcher serves objects from memory in tests.
type InMemFetcher struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewInMemFetcher returns an empty fetcher.
func NewInMemFetcher() *InMemFetcher {
	return &InMemFetcher{objects: make(map[string][]byte)}
}

// Add registers an object under bucket/key.
func (f *InMemFetcher) Add(bucket, key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[bucket+"/"+key] = data
}

func (f *InMemFetcher) Fetch(_ context.Context, bucket, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[bucket+"/"+key]
	if !ok {
		return nil, pipeline.Permanent("input object %s/%s does not exist", bucket, key)
	}
	return data, nil
}
