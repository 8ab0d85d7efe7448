package storage

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/cabohealth/nova/pkg/gateway/live/transcript"
)

// s3API is the slice of the S3 client the store uses.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store uploads WAV-framed audio fragments and returns the artifact URL.
// It implements the session's AudioStore.
type S3Store struct {
	client     s3API
	bucket     string
	keyPrefix  string
	publicBase string
	endpoint   string
	region     string
	logger     *slog.Logger
}

// S3Config configures NewS3Store.
type S3Config struct {
	Bucket     string
	Region     string
	Endpoint   string // non-empty for S3-compatible stores (MinIO, R2)
	KeyPrefix  string
	PublicBase string // base URL for returned artifact links; derived when empty
	Logger     *slog.Logger
}

func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Store{
		client:     client,
		bucket:     cfg.Bucket,
		keyPrefix:  strings.Trim(cfg.KeyPrefix, "/"),
		publicBase: strings.TrimRight(cfg.PublicBase, "/"),
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		region:     cfg.Region,
		logger:     cfg.Logger,
	}, nil
}

// SaveFragment frames the PCM as WAV, uploads it, and returns the public URL.
func (s *S3Store) SaveFragment(ctx context.Context, sessionID, entryID string, role transcript.Role, pcm []byte, sampleRateHz int) (string, error) {
	if s == nil {
		return "", fmt.Errorf("audio store not configured")
	}
	wav, err := EncodeWAV(pcm, sampleRateHz)
	if err != nil {
		return "", fmt.Errorf("frame fragment: %w", err)
	}

	key := s.objectKey(sessionID, entryID)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(wav),
		ContentType: aws.String("audio/wav"),
		Metadata: map[string]string{
			"role":        string(role),
			"sample-rate": fmt.Sprintf("%d", sampleRateHz),
		},
	})
	if err != nil {
		return "", fmt.Errorf("upload fragment %s: %w", key, err)
	}
	return s.objectURL(key), nil
}

func (s *S3Store) objectKey(sessionID, entryID string) string {
	key := sessionID + "/" + entryID + ".wav"
	if s.keyPrefix != "" {
		key = s.keyPrefix + "/" + key
	}
	return key
}

func (s *S3Store) objectURL(key string) string {
	if s.publicBase != "" {
		return s.publicBase + "/" + key
	}
	if s.endpoint != "" {
		return s.endpoint + "/" + s.bucket + "/" + key
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, key)
}
