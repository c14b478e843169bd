package export

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"gocloud.dev/blob/s3blob"
)

// newS3Source opens the export bucket with temporary credentials from the
// credentials API. When cfg.Bucket is empty the bucket comes from the API's
// s3Path hint, which requires one exchange up front.
func newS3Source(ctx context.Context, cfg Config) (Source, error) {
	if cfg.Auth == nil {
		return nil, errors.New("s3 source requires a credentials client")
	}

	provider := aws.NewCredentialsCache(cfg.Auth)

	bucketName := cfg.Bucket
	basePrefix := cfg.BasePrefix
	if bucketName == "" {
		// Force an exchange so the s3Path hint is populated.
		if _, err := provider.Retrieve(ctx); err != nil {
			return nil, fmt.Errorf("initial credential exchange: %w", err)
		}
		var err error
		var hintPrefix string
		bucketName, hintPrefix, err = ParseS3Path(cfg.Auth.S3Path())
		if err != nil {
			return nil, fmt.Errorf("resolve bucket from credentials API: %w", err)
		}
		if basePrefix == "" && hintPrefix != "" {
			basePrefix = hintPrefix + "/"
		}
	}

	awsCfg := aws.Config{
		Region:      cfg.Region,
		Credentials: provider,
	}
	client := s3.NewFromConfig(awsCfg)

	bucket, err := s3blob.OpenBucketV2(ctx, client, bucketName, nil)
	if err != nil {
		return nil, fmt.Errorf("open s3 bucket %s: %w", bucketName, err)
	}

	return NewBucketSource(bucket, basePrefix), nil
}
