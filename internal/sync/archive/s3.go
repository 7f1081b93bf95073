package archive

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	apperrors "github.com/dukanx/backend/internal/errors"
)

// Provider selects endpoint and addressing defaults for an S3-compatible
// service.
type Provider string

const (
	ProviderAWS   Provider = "aws"
	ProviderMinIO Provider = "minio"
	ProviderR2    Provider = "r2"
)

// S3Config configures an S3Store.
type S3Config struct {
	Provider  Provider `mapstructure:"provider" yaml:"provider"`
	Bucket    string   `mapstructure:"bucket" yaml:"bucket"`
	Region    string   `mapstructure:"region" yaml:"region"`
	Endpoint  string   `mapstructure:"endpoint" yaml:"endpoint"`     // MinIO server or custom endpoint
	AccountID string   `mapstructure:"account_id" yaml:"account_id"` // Cloudflare account, R2 only
	Prefix    string   `mapstructure:"prefix" yaml:"prefix"`
	PathStyle bool     `mapstructure:"path_style" yaml:"path_style"`
	UseSSL    bool     `mapstructure:"use_ssl" yaml:"use_ssl"`

	// Static credentials. Leave empty to use the default AWS chain
	// (environment, shared config, instance role).
	AccessKey string `mapstructure:"access_key" yaml:"-"`
	SecretKey string `mapstructure:"secret_key" yaml:"-"`
}

// resolved applies provider defaults.
//
//   - aws: region defaults to us-east-1, virtual-host addressing.
//   - minio: path-style addressing, scheme from UseSSL when missing.
//   - r2: endpoint derived from AccountID, region "auto".
func (c S3Config) resolved() (S3Config, error) {
	if c.Bucket == "" {
		return c, apperrors.New(apperrors.ErrInvalid, "archive bucket is required")
	}
	switch c.Provider {
	case "", ProviderAWS:
		c.Provider = ProviderAWS
		if c.Region == "" {
			c.Region = "us-east-1"
		}
	case ProviderMinIO:
		if c.Endpoint == "" {
			return c, apperrors.New(apperrors.ErrInvalid, "minio endpoint is required")
		}
		if !strings.HasPrefix(c.Endpoint, "http://") && !strings.HasPrefix(c.Endpoint, "https://") {
			scheme := "http://"
			if c.UseSSL {
				scheme = "https://"
			}
			c.Endpoint = scheme + c.Endpoint
		}
		c.Endpoint = strings.TrimSuffix(c.Endpoint, "/")
		if c.Region == "" {
			c.Region = "us-east-1"
		}
		c.PathStyle = true
	case ProviderR2:
		if !validR2Account(c.AccountID) {
			return c, apperrors.Newf(apperrors.ErrInvalid, "invalid r2 account id %q", c.AccountID)
		}
		if c.Endpoint == "" {
			c.Endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", c.AccountID)
		}
		c.Region = "auto"
	default:
		return c, apperrors.Newf(apperrors.ErrInvalid, "unknown archive provider %q", c.Provider)
	}
	return c, nil
}

func validR2Account(id string) bool {
	if len(id) != 32 {
		return false
	}
	for _, c := range id {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}

// s3API is the subset of the S3 client used by S3Store.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	s3.ListObjectsV2APIClient
}

// S3Store is an ObjectStore on S3 or an S3-compatible service.
type S3Store struct {
	client s3API
	bucket string
	prefix string
}

// NewS3Store creates an S3Store.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	cfg, err := cfg.resolved()
	if err != nil {
		return nil, err
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" || cfg.PathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
			o.UsePathStyle = cfg.PathStyle
		})
	}

	return newS3Store(s3.NewFromConfig(awsCfg, s3Opts...), cfg.Bucket, cfg.Prefix), nil
}

func newS3Store(client s3API, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.prefix + key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/x-snappy-framed"),
	})
	if err != nil {
		return fmt.Errorf("S3 put object failed: %w", err)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if stderrors.As(err, &nsk) {
			return nil, apperrors.Wrap(apperrors.ErrNotFound, "object "+key+" not found", err)
		}
		return nil, fmt.Errorf("S3 get object failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("S3 read body failed: %w", err)
	}
	return data, nil
}

func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + key),
	})
	if err != nil {
		var nf *s3types.NotFound
		var nsk *s3types.NoSuchKey
		if stderrors.As(err, &nf) || stderrors.As(err, &nsk) {
			return false, nil
		}
		return false, fmt.Errorf("S3 head object failed: %w", err)
	}
	return true, nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix + prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("S3 list objects failed: %w", err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, strings.TrimPrefix(aws.ToString(obj.Key), s.prefix))
		}
	}
	return keys, nil
}
