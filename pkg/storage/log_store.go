package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// LargePayloadStore persists job results and LLM responses too large to
// keep inline in the job/result-cache rows: embedding and prompt caches
// reference a "payload" without prescribing where bytes beyond a
// practical row-size land, so this overflow path stores them externally.
type LargePayloadStore interface {
	// Store saves payload under a key derived from jobID and returns a
	// reference usable with Retrieve.
	Store(ctx context.Context, jobID string, payload []byte) (string, error)
	// Retrieve fetches payload bytes by reference.
	Retrieve(ctx context.Context, reference string) ([]byte, error)
}

// S3PayloadStore stores oversized job results in S3-compatible storage.
type S3PayloadStore struct {
	client     *s3.Client
	bucket     string
	prefix     string
	localCache string
}

// S3PayloadStoreConfig holds S3 configuration.
type S3PayloadStoreConfig struct {
	Bucket          string
	Prefix          string // e.g., "results/overflow/"
	Region          string
	Endpoint        string // For MinIO/local S3
	AccessKeyID     string
	SecretAccessKey string
	LocalCacheDir   string // Local cache for frequently accessed payloads
}

// NewS3PayloadStore creates a new S3-backed payload store.
func NewS3PayloadStore(cfg S3PayloadStoreConfig) (*S3PayloadStore, error) {
	optFns := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		optFns = append(optFns, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clientOpts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO
		})
	}

	client := s3.NewFromConfig(awsCfg, clientOpts...)

	if cfg.LocalCacheDir != "" {
		if err := os.MkdirAll(cfg.LocalCacheDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	return &S3PayloadStore{
		client:     client,
		bucket:     cfg.Bucket,
		prefix:     cfg.Prefix,
		localCache: cfg.LocalCacheDir,
	}, nil
}

// Store saves a job result payload to S3.
func (s *S3PayloadStore) Store(ctx context.Context, jobID string, payload []byte) (string, error) {
	key := s.buildKey(jobID)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload payload to S3: %w", err)
	}

	if s.localCache != "" {
		cachePath := filepath.Join(s.localCache, jobID+".json")
		_ = os.WriteFile(cachePath, payload, 0644)
	}

	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// Retrieve fetches a payload from S3.
func (s *S3PayloadStore) Retrieve(ctx context.Context, reference string) ([]byte, error) {
	key := s.extractKey(reference)

	if s.localCache != "" {
		cachePath := filepath.Join(s.localCache, filepath.Base(key))
		if data, err := os.ReadFile(cachePath); err == nil {
			return data, nil
		}
	}

	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get payload from S3: %w", err)
	}
	defer output.Body.Close()

	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}

	if s.localCache != "" {
		cachePath := filepath.Join(s.localCache, filepath.Base(key))
		_ = os.WriteFile(cachePath, data, 0644)
	}

	return data, nil
}

func (s *S3PayloadStore) buildKey(jobID string) string {
	timestamp := time.Now().Format("2006/01/02")
	return fmt.Sprintf("%s%s/%s.json", s.prefix, timestamp, jobID)
}

func (s *S3PayloadStore) extractKey(reference string) string {
	if len(reference) > 5 && reference[:5] == "s3://" {
		parts := reference[5:]
		for i, c := range parts {
			if c == '/' {
				return parts[i+1:]
			}
		}
	}
	return reference
}

// LocalPayloadStore stores payloads on local filesystem (development,
// single-node deployments).
type LocalPayloadStore struct {
	basePath string
}

// NewLocalPayloadStore creates a local filesystem payload store.
func NewLocalPayloadStore(basePath string) (*LocalPayloadStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create payload directory: %w", err)
	}
	return &LocalPayloadStore{basePath: basePath}, nil
}

// Store saves a payload to local filesystem.
func (l *LocalPayloadStore) Store(ctx context.Context, jobID string, payload []byte) (string, error) {
	path := filepath.Join(l.basePath, jobID+".json")
	if err := os.WriteFile(path, payload, 0644); err != nil {
		return "", fmt.Errorf("failed to write payload: %w", err)
	}
	return path, nil
}

// Retrieve fetches a payload from local filesystem.
func (l *LocalPayloadStore) Retrieve(ctx context.Context, reference string) ([]byte, error) {
	return os.ReadFile(reference)
}
