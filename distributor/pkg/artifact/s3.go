package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3API is the subset of the S3 client the store uses.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Store keeps artifacts at s3://bucket/key locations.
type S3Store struct {
	Client S3API
}

type S3Config struct {
	Region   string
	Endpoint string
}

// NewS3Store builds a client from the default AWS credential chain.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Store{Client: client}, nil
}

func (s *S3Store) Write(ctx context.Context, location string, data []byte) error {
	bucket, key, err := parseS3Location(location)
	if err != nil {
		return err
	}
	_, err = s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed" {
			return fmt.Errorf("%w: %s", ErrExists, location)
		}
		return fmt.Errorf("failed to put %s: %w", location, err)
	}
	return nil
}

func (s *S3Store) Read(ctx context.Context, location string) ([]byte, error) {
	bucket, key, err := parseS3Location(location)
	if err != nil {
		return nil, err
	}
	out, err := s.Client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, location)
		}
		return nil, fmt.Errorf("failed to get %s: %w", location, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", location, err)
	}
	return data, nil
}

func IsS3Location(location string) bool {
	return strings.HasPrefix(location, "s3://")
}

func parseS3Location(location string) (string, string, error) {
	u, err := url.Parse(location)
	if err != nil || u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("invalid s3 location %q", location)
	}
	key := strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("s3 location %q has no key", location)
	}
	return u.Host, key, nil
}

// Router sends s3:// locations to the S3 store and everything else to the filesystem. The
// S3 store is created on first use.
type Router struct {
	File  FileStore
	S3    *S3Store
	S3Cfg S3Config
}

func (r *Router) Write(ctx context.Context, location string, data []byte) error {
	store, err := r.pick(ctx, location)
	if err != nil {
		return err
	}
	return store.Write(ctx, location, data)
}

func (r *Router) Read(ctx context.Context, location string) ([]byte, error) {
	store, err := r.pick(ctx, location)
	if err != nil {
		return nil, err
	}
	return store.Read(ctx, location)
}

func (r *Router) pick(ctx context.Context, location string) (Store, error) {
	if !IsS3Location(location) {
		return r.File, nil
	}
	if r.S3 == nil {
		s, err := NewS3Store(ctx, r.S3Cfg)
		if err != nil {
			return nil, err
		}
		r.S3 = s
	}
	return r.S3, nil
}
