package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// Options configures an S3Client. Empty fields fall back to the default AWS
// configuration chain.
type Options struct {
	Bucket string
	Region string
	// Endpoint points the client at an S3-compatible service and enables path-style addressing.
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Client stores split outputs and fetches scanned sources.
type S3Client struct {
	client     *s3.Client
	uploader   *manager.Uploader
	bucketName string
}

// FileMetadata represents metadata about a stored file
type FileMetadata struct {
	OriginalName     string            `json:"original_name"`
	ContentType      string            `json:"content_type"`
	Size             int64             `json:"size"`
	Encrypted        bool              `json:"encrypted"`
	Metadata         map[string]string `json:"metadata"`
	EncryptionFormat string            `json:"encryption_format,omitempty"`
}

// NewS3Client creates a new S3 client
func NewS3Client(ctx context.Context, opts Options) (*S3Client, error) {
	var loadOpts []func(*awscfg.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awscfg.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awscfg.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}
	cfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	cli := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Client{
		client:     cli,
		uploader:   manager.NewUploader(cli),
		bucketName: opts.Bucket,
	}, nil
}

// Bucket is the default bucket.
func (s *S3Client) Bucket() string { return s.bucketName }

// Ping checks that the default bucket is reachable.
func (s *S3Client) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucketName)})
	return err
}

// Upload stores data at key in the default bucket, sealing it first when a
// password is given. It returns the object location.
func (s *S3Client) Upload(ctx context.Context, key string, data []byte, password string, metadata *FileMetadata) (string, error) {
	body := data
	format := FormatPlain
	if password != "" {
		enc, err := Encrypt(data, password)
		if err != nil {
			log.Error().Err(err).Str("key", key).Msg("Upload: encryption failed")
			return "", fmt.Errorf("failed to encrypt data: %w", err)
		}
		body = enc
		format = FormatGCM
	}

	s3Metadata := map[string]string{
		"encrypted":         fmt.Sprint(password != ""),
		"encryption-format": format,
	}
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	}
	if metadata != nil {
		if metadata.OriginalName != "" {
			s3Metadata["name"] = metadata.OriginalName
		}
		if metadata.ContentType != "" {
			input.ContentType = aws.String(metadata.ContentType)
		}
		for k, v := range metadata.Metadata {
			s3Metadata[k] = v
		}
	}
	input.Metadata = s3Metadata

	out, err := s.uploader.Upload(ctx, input)
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("Upload: failed")
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}

	log.Info().Str("key", key).Str("encryption", format).Int("size", len(body)).Msg("uploaded file to S3")
	if out.Location != "" {
		return out.Location, nil
	}
	return fmt.Sprintf("s3://%s/%s", s.bucketName, key), nil
}

// Download fetches key from bucket (the default bucket when empty) and
// decrypts it when it carries the encryption magic number.
func (s *S3Client) Download(ctx context.Context, bucket, key, password string) ([]byte, *FileMetadata, error) {
	if bucket == "" {
		bucket = s.bucketName
	}
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to download from S3: %w", err)
	}
	defer result.Body.Close()

	raw, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read S3 object: %w", err)
	}

	metadata := &FileMetadata{Metadata: make(map[string]string)}
	for k, v := range result.Metadata {
		metadata.Metadata[strings.ToLower(k)] = v
	}
	metadata.OriginalName = metadata.Metadata["name"]
	if result.ContentType != nil {
		metadata.ContentType = *result.ContentType
	}
	if result.ContentLength != nil {
		metadata.Size = *result.ContentLength
	}

	data, format, err := Decrypt(raw, password)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decrypt data: %w", err)
	}
	metadata.EncryptionFormat = format
	metadata.Encrypted = format != FormatPlain

	log.Info().
		Str("bucket", bucket).
		Str("key", key).
		Str("encryption_format", format).
		Str("original_name", metadata.OriginalName).
		Int("size", len(data)).
		Msg("downloaded file from S3")
	return data, metadata, nil
}
