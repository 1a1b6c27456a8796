package s3store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/chirino/chat-service/internal/config"
	registryattach "github.com/chirino/chat-service/internal/registry/attach"
	"github.com/chirino/chat-service/internal/tempfiles"
)

func init() {
	registryattach.Register(registryattach.Plugin{
		Name:   "s3",
		Loader: load,
	})
}

func load(ctx context.Context) (registryattach.BlobStore, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.S3Bucket == "" {
		return nil, fmt.Errorf("s3store: S3 bucket is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(
		ctx,
		awsconfig.WithRequestChecksumCalculation(aws.RequestChecksumCalculationWhenRequired),
	)
	if err != nil {
		return nil, fmt.Errorf("s3store: load AWS config: %w", err)
	}
	usePathStyle := cfg.S3UsePathStyle
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = usePathStyle
	})
	return New(client, cfg.S3Bucket, cfg.S3Prefix, cfg.S3ExternalEndpoint, cfg.ResolvedTempDir()), nil
}

// BlobStore keeps attachment blobs in one S3 bucket, under an optional key prefix.
type BlobStore struct {
	client           *s3.Client
	presigner        *s3.PresignClient
	bucket           string
	prefix           string
	externalEndpoint string
	tempDir          string
}

// New returns a BlobStore using client.
func New(client *s3.Client, bucket, prefix, externalEndpoint, tempDir string) *BlobStore {
	return &BlobStore{
		client:           client,
		presigner:        s3.NewPresignClient(client),
		bucket:           bucket,
		prefix:           strings.Trim(strings.TrimSpace(prefix), "/"),
		externalEndpoint: strings.TrimSpace(externalEndpoint),
		tempDir:          tempDir,
	}
}

// objectKey applies the configured prefix. The prefix is never persisted in the storage key.
func (s *BlobStore) objectKey(storageKey string) string {
	if s.prefix != "" {
		return s.prefix + "/" + storageKey
	}
	return storageKey
}

// Store spools the stream to disk first so the object length is known before PutObject.
func (s *BlobStore) Store(ctx context.Context, storageKey string, data io.Reader, maxSize int64, contentType string) (*registryattach.FileStoreResult, error) {
	spooled, err := tempfiles.Spool(s.tempDir, "chat-service-s3-upload-*", data, maxSize)
	if errors.Is(err, tempfiles.ErrTooLarge) {
		return nil, registryattach.ErrTooLarge
	}
	if err != nil {
		return nil, fmt.Errorf("s3store: %w", err)
	}
	defer spooled.Discard()

	key := s.objectKey(storageKey)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &s.bucket,
		Key:           &key,
		Body:          spooled.File,
		ContentLength: aws.Int64(spooled.Size),
		ContentType:   &contentType,
	}, func(o *s3.Options) {
		o.APIOptions = append(o.APIOptions, v4.SwapComputePayloadSHA256ForUnsignedPayloadMiddleware)
	})
	if err != nil {
		return nil, fmt.Errorf("s3store: put object %s: %w", key, err)
	}

	return &registryattach.FileStoreResult{
		StorageKey: storageKey,
		Size:       spooled.Size,
		SHA256:     spooled.SHA256,
	}, nil
}

func (s *BlobStore) Retrieve(ctx context.Context, storageKey string) (io.ReadCloser, error) {
	key := s.objectKey(storageKey)
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		return nil, fmt.Errorf("s3store: get object %s: %w", key, err)
	}
	return resp.Body, nil
}

func (s *BlobStore) Delete(ctx context.Context, storageKey string) error {
	key := s.objectKey(storageKey)
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	var noSuchKey *types.NoSuchKey
	if err != nil && !errors.As(err, &noSuchKey) {
		return fmt.Errorf("s3store: delete object %s: %w", key, err)
	}
	return nil
}

func (s *BlobStore) GetSignedURL(ctx context.Context, storageKey string, expiry time.Duration) (*url.URL, error) {
	key := s.objectKey(storageKey)
	resp, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return nil, fmt.Errorf("s3store: presign: %w", err)
	}
	parsed, err := url.Parse(resp.URL)
	if err != nil {
		return nil, err
	}
	if s.externalEndpoint == "" {
		return parsed, nil
	}
	// Rewrite host for clients that reach the bucket through a different endpoint.
	external, err := url.Parse(s.externalEndpoint)
	if err != nil {
		return nil, fmt.Errorf("s3store: parse external endpoint: %w", err)
	}
	parsed.Scheme = external.Scheme
	parsed.Host = external.Host
	if strings.TrimSpace(external.Path) != "" && external.Path != "/" {
		parsed.Path = strings.TrimRight(external.Path, "/") + parsed.Path
	}
	return parsed, nil
}

var _ registryattach.BlobStore = (*BlobStore)(nil)
