package usage

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Sizer sums the object sizes under tenants/<id>/ in the uploads bucket.
type S3Sizer struct {
	client s3.ListObjectsV2APIClient
	bucket string
}

// NewS3Sizer creates a sizer from an S3 listing client.
func NewS3Sizer(client s3.ListObjectsV2APIClient, bucket string) *S3Sizer {
	return &S3Sizer{client: client, bucket: bucket}
}

// NewS3SizerFromEnv loads AWS credentials from the default chain.
func NewS3SizerFromEnv(ctx context.Context, region, bucket string) (*S3Sizer, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewS3Sizer(s3.NewFromConfig(cfg), bucket), nil
}

// TenantBytes lists every object of the tenant and sums their sizes.
func (s *S3Sizer) TenantBytes(ctx context.Context, tenantID string) (int64, error) {
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(TenantPrefix(tenantID)),
	})
	var total int64
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return 0, fmt.Errorf("list s3://%s/%s: %w", s.bucket, TenantPrefix(tenantID), err)
		}
		for _, obj := range page.Contents {
			total += aws.ToInt64(obj.Size)
		}
	}
	return total, nil
}

// TenantPrefix is the key prefix under which a tenant's uploads live.
func TenantPrefix(tenantID string) string {
	return "tenants/" + tenantID + "/"
}

var _ StorageSizer = (*S3Sizer)(nil)
