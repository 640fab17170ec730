package ingestion

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type s3GetAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Config locates a CSV export stored as an object.
type S3Config struct {
	Bucket          string
	Key             string
	Region          string
	Endpoint        string
	ForcePathStyle  bool
	AccessKeyID     string
	SecretAccessKey string
}

// S3Feed downloads a CSV object on every fetch.
type S3Feed struct {
	name   string
	bucket string
	key    string
	api    s3GetAPI
}

// NewS3Feed builds an AWS-backed feed for the object described by cfg.
func NewS3Feed(ctx context.Context, name string, cfg S3Config) (*S3Feed, error) {
	if cfg.Bucket == "" || cfg.Key == "" {
		return nil, errors.New("s3 bucket and key required")
	}
	if cfg.Region == "" {
		return nil, errors.New("s3 region required")
	}

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newS3FeedWithAPI(name, cfg.Bucket, cfg.Key, client), nil
}

func newS3FeedWithAPI(name, bucket, key string, api s3GetAPI) *S3Feed {
	return &S3Feed{name: name, bucket: bucket, key: key, api: api}
}

func (f *S3Feed) Name() string { return f.name }

func (f *S3Feed) Fetch(ctx context.Context) ([]Record, error) {
	ctx, span := startFetchSpan(ctx, f.name, "s3")
	defer span.End()

	resp, err := f.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(f.key),
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("get object %s/%s: %w", f.bucket, f.key, err)
	}
	defer resp.Body.Close()

	records, err := decodeCSV(f.name, resp.Body)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("decoding %s/%s: %w", f.bucket, f.key, err)
	}
	return records, nil
}
