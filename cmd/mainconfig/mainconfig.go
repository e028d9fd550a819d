// Package mainconfig holds setup shared by the cmd binaries.
package mainconfig

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"

	appconfig "github.com/wolfman30/clinic-booking/internal/config"
)

const defaultRegion = "us-east-1"

// LoadAWSConfig builds the SDK config used for SQS, S3 and SES. Static keys
// win over the default chain when both are set; AWS_ENDPOINT_OVERRIDE points
// every client at LocalStack.
func LoadAWSConfig(ctx context.Context, cfg *appconfig.Config) (aws.Config, error) {
	region := strings.TrimSpace(cfg.AWSRegion)
	if region == "" {
		region = defaultRegion
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}

	key, secret := strings.TrimSpace(cfg.AWSAccessKeyID), strings.TrimSpace(cfg.AWSSecretAccessKey)
	if key != "" && secret != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(key, secret, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("mainconfig: load aws config: %w", err)
	}
	if endpoint := strings.TrimSpace(cfg.AWSEndpointOverride); endpoint != "" {
		awsCfg.BaseEndpoint = aws.String(endpoint)
	}
	return awsCfg, nil
}

// AWSEnabled reports whether any AWS-backed integration is configured.
func AWSEnabled(cfg *appconfig.Config) bool {
	for _, v := range []string{cfg.NotifyQueueURL, cfg.ArchiveBucket, cfg.SESFromEmail} {
		if strings.TrimSpace(v) != "" {
			return true
		}
	}
	return false
}
