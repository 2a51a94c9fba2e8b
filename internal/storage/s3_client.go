package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type S3Config struct {
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	Endpoint  string
	Prefix    string
}

// Enabled reports whether enough settings are present to build a client.
func (c S3Config) Enabled() bool {
	return c.Region != "" && c.Bucket != ""
}

// ObjectPutter is the subset of the S3 API used by Client.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Client struct {
	cfg S3Config
	s3  ObjectPutter
}

func NewClient(ctx context.Context, cfg S3Config) (*Client, error) {
	if !cfg.Enabled() {
		return nil, errors.New("s3 region and bucket are required")
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))

	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	endpoint := ""
	if cfg.Endpoint != "" {
		parsed, err := url.Parse(cfg.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("invalid s3 endpoint: %w", err)
		}
		endpoint = parsed.String()
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return NewClientWithAPI(cfg, s3Client), nil
}

// NewClientWithAPI builds a Client over an existing S3 API implementation.
func NewClientWithAPI(cfg S3Config, api ObjectPutter) *Client {
	return &Client{cfg: cfg, s3: api}
}

// PutJSON stores body under key with server-side encryption.
func (c *Client) PutJSON(ctx context.Context, key string, body []byte) error {
	if c == nil || c.s3 == nil {
		return errors.New("s3 client not initialized")
	}
	if key == "" {
		return errors.New("object key is required")
	}
	_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(c.cfg.Bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ContentLength:        aws.Int64(int64(len(body))),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return fmt.Errorf("put s3 object %s: %w", key, err)
	}
	return nil
}

// DeadLetterKey lays archive objects out as <prefix>/<event type>/<yyyy>/<mm>/<dd>/<id>.json.
func (c *Client) DeadLetterKey(eventType string, id int64, failedAt time.Time) string {
	prefix := "dead-letters"
	if c != nil && c.cfg.Prefix != "" {
		prefix = c.cfg.Prefix
	}
	t := failedAt.UTC()
	return path.Join(prefix, eventType, t.Format("2006"), t.Format("01"), t.Format("02"), fmt.Sprintf("%d.json", id))
}
