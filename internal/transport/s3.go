package transport

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/3cpo-dev/fleetfs/internal/registry"
)

// S3API is the subset of the S3 client the transport uses.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

type S3Config struct {
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// S3 serves object-storage workers. The worker root is used as a key prefix.
type S3 struct {
	cfg       S3Config
	newClient func(ctx context.Context, w registry.Worker) (S3API, error)

	mu      sync.Mutex
	clients map[string]S3API
}

func NewS3(cfg S3Config) *S3 {
	s := &S3{cfg: cfg, clients: make(map[string]S3API)}
	s.newClient = s.buildClient
	return s
}

// NewS3WithClient serves every worker through one prebuilt client.
func NewS3WithClient(api S3API) *S3 {
	return &S3{
		clients:   make(map[string]S3API),
		newClient: func(context.Context, registry.Worker) (S3API, error) { return api, nil },
	}
}

func (s *S3) buildClient(ctx context.Context, w registry.Worker) (S3API, error) {
	region := w.Region
	if region == "" {
		region = s.cfg.Region
	}
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if s.cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.cfg.AccessKey, s.cfg.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}
	endpoint := w.Endpoint
	if endpoint == "" {
		endpoint = s.cfg.Endpoint
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

func (s *S3) client(ctx context.Context, w registry.Worker) (S3API, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[w.Name]; ok {
		return c, nil
	}
	c, err := s.newClient(ctx, w)
	if err != nil {
		return nil, err
	}
	s.clients[w.Name] = c
	return c, nil
}

func objectKey(w registry.Worker, remote string) string {
	return strings.TrimPrefix(path.Join(w.Root, path.Clean("/"+remote)), "/")
}

func (s *S3) Put(ctx context.Context, w registry.Worker, remote string, body io.ReadSeeker) error {
	c, err := s.client(ctx, w)
	if err != nil {
		return err
	}
	_, err = c.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(w.Bucket),
		Key:    aws.String(objectKey(w, remote)),
		Body:   body,
	})
	return err
}

func (s *S3) Get(ctx context.Context, w registry.Worker, remote string) (io.ReadCloser, error) {
	c, err := s.client(ctx, w)
	if err != nil {
		return nil, err
	}
	out, err := c.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(w.Bucket),
		Key:    aws.String(objectKey(w, remote)),
	})
	if err != nil {
		return nil, err
	}
	return out.Body, nil
}

func (s *S3) Delete(ctx context.Context, w registry.Worker, remote string) error {
	c, err := s.client(ctx, w)
	if err != nil {
		return err
	}
	_, err = c.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(w.Bucket),
		Key:    aws.String(objectKey(w, remote)),
	})
	return err
}

// Probe checks the bucket answers. Buckets have no free-space limit.
func (s *S3) Probe(ctx context.Context, w registry.Worker) (Capacity, error) {
	c, err := s.client(ctx, w)
	if err != nil {
		return Capacity{}, err
	}
	if _, err := c.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(w.Bucket)}); err != nil {
		return Capacity{}, err
	}
	return Capacity{Reachable: true, Exists: true, Writable: true, Unbounded: true}, nil
}
