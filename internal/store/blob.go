package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"
)

// s3API is the slice of the S3 client the blob store uses.
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// BlobStore is the durable persistence tier: the same JSON document in an
// object-store blob. All writes are best-effort; the scheduler never
// blocks on it.
type BlobStore struct {
	client s3API
	bucket string
	key    string
	logger *logrus.Logger

	lastHash [sha256.Size]byte
}

// NewBlobStore creates a durable blob store against S3.
func NewBlobStore(ctx context.Context, bucket, key, region string, logger *logrus.Logger) (*BlobStore, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &BlobStore{
		client: s3.NewFromConfig(awsCfg),
		bucket: bucket,
		key:    key,
		logger: logger,
	}, nil
}

// NewBlobStoreWithClient wires an existing client, used by tests.
func NewBlobStoreWithClient(client s3API, bucket, key string, logger *logrus.Logger) *BlobStore {
	return &BlobStore{client: client, bucket: bucket, key: key, logger: logger}
}

// Load fetches the durable document. A missing blob returns (nil, nil).
func (b *BlobStore) Load(ctx context.Context) (*StateDocument, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch durable state: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read durable state: %w", err)
	}

	var doc StateDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse durable state: %w", err)
	}
	b.lastHash = sha256.Sum256(data)
	return &doc, nil
}

// Save uploads the document if its content changed since the last write.
// The caller decides what a failure means; the store treats it as
// advisory and never blocks the scheduler on it.
func (b *BlobStore) Save(ctx context.Context, doc *StateDocument) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal durable state: %w", err)
	}

	hash := sha256.Sum256(data)
	if hash == b.lastHash {
		return nil
	}

	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(b.key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("durable state write failed: %w", err)
	}
	b.lastHash = hash
	return nil
}
