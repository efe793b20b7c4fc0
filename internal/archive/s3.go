// Package archive ships terminal job records to S3 for cold storage and
// offline analysis. Archival is best-effort; the job outcome never depends
// on it.
package archive

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ignite/crm-sync/internal/domain"
)

// S3Archiver writes one JSON record per terminal job, plus a failed-contacts
// CSV when the job has failures. Keys are laid out as
// <prefix>/<yyyy-mm-dd>/<job_id>/job.json for date-partitioned scans.
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

// Config holds the archive destination. AccessKey/SecretKey are optional;
// when empty the default AWS credential chain is used.
type Config struct {
	Bucket    string
	Region    string
	Prefix    string
	AccessKey string
	SecretKey string
}

// NewS3Archiver builds the archiver.
func NewS3Archiver(ctx context.Context, cfg Config) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "sync-jobs"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	a := &S3Archiver{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}
	log.Printf("[archive] initialized with bucket=%s prefix=%s region=%s", cfg.Bucket, cfg.Prefix, cfg.Region)
	return a, nil
}

// ArchiveJob uploads the job record and, when present, its failed contacts.
func (a *S3Archiver) ArchiveJob(ctx context.Context, job *domain.JobRecord) error {
	date := job.CreatedAt.UTC().Format("2006-01-02")
	if job.CompletedAt != nil {
		date = job.CompletedAt.UTC().Format("2006-01-02")
	}
	base := fmt.Sprintf("%s/%s/%s", a.prefix, date, job.JobID)

	record, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling job record: %w", err)
	}
	if err := a.put(ctx, base+"/job.json", "application/json", record); err != nil {
		return err
	}

	if len(job.FailedContacts) > 0 {
		csvData, err := failedCSV(job)
		if err != nil {
			return fmt.Errorf("building failed-contacts CSV: %w", err)
		}
		if err := a.put(ctx, base+"/failed_contacts.csv", "text/csv", csvData); err != nil {
			return err
		}
	}

	log.Printf("[archive] archived job %s to s3://%s/%s (%d failed contacts)",
		job.JobID, a.bucket, base, len(job.FailedContacts))
	return nil
}

func (a *S3Archiver) put(ctx context.Context, key, contentType string, data []byte) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			"archived-at": time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return fmt.Errorf("uploading s3://%s/%s: %w", a.bucket, key, err)
	}
	return nil
}

func failedCSV(job *domain.JobRecord) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"external_id", "email", "phone", "error_category", "error_message"}); err != nil {
		return nil, err
	}
	for _, fc := range job.FailedContacts {
		c := fc.ContactData
		if err := w.Write([]string{c.ExternalID, c.Email, c.Phone, string(fc.Category), fc.Message}); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}
