// utils/archive.go
package utils

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

var archiveClient *s3.Client
var archiveBucket string
var archiveBaseURL string

// InitArchive configures the R2 bucket that keeps settlement manifests
// for audit. The settlement flow treats the archive as best effort, so a
// missing configuration only disables uploads.
func InitArchive() error {
	accountID := os.Getenv("CLOUDFLARE_ACCOUNT_ID")
	accessKeyID := os.Getenv("R2_ACCESS_KEY_ID")
	accessKeySecret := os.Getenv("R2_ACCESS_KEY_SECRET")
	archiveBucket = os.Getenv("R2_BUCKET_NAME")
	archiveBaseURL = os.Getenv("ARCHIVE_BASE_URL")
	if archiveBaseURL == "" {
		archiveBaseURL = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID)
	}

	cfg, err := config.LoadDefaultConfig(context.TODO(),
		config.WithRegion("auto"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKeyID, accessKeySecret, "",
		)),
		config.WithEndpointResolver(aws.EndpointResolverFunc(
			func(service, region string) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL: fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID),
				}, nil
			}),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to load archive config: %w", err)
	}

	archiveClient = s3.NewFromConfig(cfg)
	return nil
}

// UploadSettlementManifest uploads a winner manifest JSON and returns its
// public URL. key is the object key (e.g., "settlements/friday-quiz-42.json").
func UploadSettlementManifest(key string, payload []byte) (string, error) {
	if archiveClient == nil {
		return "", fmt.Errorf("archive client not initialized")
	}

	_, err := archiveClient.PutObject(context.TODO(), &s3.PutObjectInput{
		Bucket:      aws.String(archiveBucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload manifest: %w", err)
	}

	return fmt.Sprintf("%s/%s", archiveBaseURL, key), nil
}
