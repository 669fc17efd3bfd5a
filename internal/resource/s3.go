package resource

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config holds S3/MinIO connection settings.
type S3Config struct {
	// Endpoint for MinIO or another S3-compatible store ("minio:9000").
	// Leave empty for AWS S3.
	Endpoint string `yaml:"endpoint"`

	// Region, default us-east-1.
	Region string `yaml:"region"`

	// Static credentials. Empty falls back to the default AWS chain.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`

	// UseSSL selects https for a custom Endpoint.
	UseSSL bool `yaml:"use_ssl"`

	// PathStyle forces path-style addressing. Always on with a custom Endpoint.
	PathStyle bool `yaml:"path_style"`
}

// S3API is the subset of *s3.Client the s3 scheme uses.
type S3API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Connector builds one client on first use and shares it between every
// s3:// resource. Rule files that never mention s3 never load AWS config.
type S3Connector struct {
	cfg    S3Config
	once   sync.Once
	client S3API
	err    error
}

// NewS3Connector creates a lazy connector.
func NewS3Connector(cfg S3Config) *S3Connector {
	return &S3Connector{cfg: cfg}
}

// NewS3ConnectorWithClient wraps an existing client.
func NewS3ConnectorWithClient(client S3API) *S3Connector {
	c := &S3Connector{client: client}
	c.once.Do(func() {})
	return c
}

// Client returns the shared client.
func (c *S3Connector) Client(ctx context.Context) (S3API, error) {
	c.once.Do(func() {
		c.client, c.err = newS3Client(ctx, c.cfg)
	})
	return c.client, c.err
}

func newS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		endpoint := fmt.Sprintf("%s://%s", scheme, cfg.Endpoint)
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	} else if cfg.PathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return s3.NewFromConfig(awsCfg, s3Opts...), nil
}

// S3 is an object in a bucket.
type S3 struct {
	address string
	bucket  string
	key     string
	conn    *S3Connector
}

// NewS3 parses an s3:// address. The locator is "<bucket>/<key>".
func NewS3(address, locator string, conn *S3Connector) (*S3, error) {
	bucket, key, ok := strings.Cut(locator, "/")
	if !ok || bucket == "" || key == "" {
		return nil, Malformed(address, "S3 address needs a bucket and a key in")
	}
	return &S3{address: address, bucket: bucket, key: key, conn: conn}, nil
}

func (r *S3) Address() string { return r.address }
func (r *S3) Scheme() string  { return "s3" }

// Bucket returns the bucket name.
func (r *S3) Bucket() string { return r.bucket }

// Key returns the object key.
func (r *S3) Key() string { return r.key }

func (r *S3) client(ctx context.Context) (S3API, error) {
	c, err := r.conn.Client(ctx)
	if err != nil {
		return nil, Unavailable(r.address, err)
	}
	return c, nil
}

func isS3NotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	return errors.As(err, &nf) || errors.As(err, &nsk)
}

func (r *S3) head(ctx context.Context) (*s3.HeadObjectOutput, error) {
	c, err := r.client(ctx)
	if err != nil {
		return nil, err
	}
	out, err := c.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(r.key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrNotFound
		}
		return nil, Unavailable(r.address, err)
	}
	return out, nil
}

func (r *S3) Exists(ctx context.Context) (bool, error) {
	_, err := r.head(ctx)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Signature is "etag:<etag>:<size>". The ETag changes whenever the object is
// rewritten with different content.
func (r *S3) Signature(ctx context.Context) (string, error) {
	out, err := r.head(ctx)
	if err != nil {
		return "", fmt.Errorf("signature of %s: %w", r.address, err)
	}
	etag := strings.Trim(aws.ToString(out.ETag), `"`)
	return fmt.Sprintf("etag:%s:%d", etag, aws.ToInt64(out.ContentLength)), nil
}

func (r *S3) Remove(ctx context.Context) error {
	if _, err := r.head(ctx); err != nil {
		return fmt.Errorf("remove %s: %w", r.address, err)
	}
	c, err := r.client(ctx)
	if err != nil {
		return err
	}
	_, err = c.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(r.key),
	})
	if err != nil {
		return fmt.Errorf("remove %s: %w", r.address, Unavailable(r.address, err))
	}
	return nil
}
