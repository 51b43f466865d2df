package source

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectGetter is the narrow slice of the S3 API the source needs.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Options configures the S3 client; Endpoint and PathStyle exist for
// S3-compatible stores like MinIO.
type S3Options struct {
	Region    string
	Endpoint  string
	PathStyle bool
}

// NewS3Client builds an S3 client from ambient AWS credentials.
func NewS3Client(ctx context.Context, opts S3Options) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               opts.Endpoint,
					HostnameImmutable: opts.PathStyle,
					SigningRegion:     opts.Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		loadOpts = append(loadOpts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = opts.PathStyle
	}), nil
}

// S3CSV streams a CSV object from S3 without materializing it. The object is
// fetched lazily on the first Next, under the consumer's context: the source
// outlives the HTTP request that named it, and an object opened under the
// request context would have its body closed the moment that request ended.
type S3CSV struct {
	client ObjectGetter
	bucket string
	key    string
	csv    *CSV
}

// NewS3CSV prepares a lazy S3-backed CSV source. The object is not touched
// until the first Next call.
func NewS3CSV(client ObjectGetter, bucket, key string) *S3CSV {
	return &S3CSV{client: client, bucket: bucket, key: key}
}

func (s *S3CSV) Next(ctx context.Context) (string, error) {
	if s.csv == nil {
		if err := s.open(ctx); err != nil {
			return "", err
		}
	}
	return s.csv.Next(ctx)
}

func (s *S3CSV) open(ctx context.Context) error {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		return fmt.Errorf("get s3 object %s/%s: %w", s.bucket, s.key, err)
	}
	src, err := NewCSV(out.Body)
	if err != nil {
		out.Body.Close()
		return fmt.Errorf("open csv from s3 object %s/%s: %w", s.bucket, s.key, err)
	}
	src.closer = out.Body
	s.csv = src
	return nil
}

func (s *S3CSV) Close() error {
	if s.csv != nil {
		return s.csv.Close()
	}
	return nil
}
