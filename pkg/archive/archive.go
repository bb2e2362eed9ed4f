// Package archive copies completed artifacts to S3-compatible object
// storage.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gabriel-vasile/mimetype"

	"taskflow/pkg/artifact"
)

// ObjectPutter is the part of the S3 API the archiver needs. *s3.Client
// implements it.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config selects the bucket. Endpoint is only set for S3-compatible
// services such as MinIO or LocalStack.
type Config struct {
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// S3Archiver writes one object per (project, kind).
type S3Archiver struct {
	client ObjectPutter
	bucket string
	prefix string
}

// New creates an S3Archiver over an existing client.
func New(client ObjectPutter, bucket, prefix string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// NewFromConfig loads AWS credentials from the environment and creates an
// S3Archiver.
func NewFromConfig(ctx context.Context, cfg Config) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive: bucket is required")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return New(client, cfg.Bucket, cfg.Prefix), nil
}

// Key returns the object key of an artifact.
func (a *S3Archiver) Key(projectID string, kind artifact.Kind) string {
	name := string(kind) + extension(kind)
	if a.prefix == "" {
		return path.Join(projectID, name)
	}
	return path.Join(a.prefix, projectID, name)
}

func extension(kind artifact.Kind) string {
	switch kind {
	case artifact.KindTasks:
		return ".json"
	case artifact.KindGitHubSetup, artifact.KindMockup:
		return ".url"
	}
	return ".md"
}

// Archive uploads the content of a completed artifact.
func (a *S3Archiver) Archive(ctx context.Context, art artifact.Artifact) error {
	if art.Status != artifact.Completed {
		return fmt.Errorf("archive: %s for %s is %s, not completed", art.Kind, art.ProjectID, art.Status)
	}
	body := []byte(art.Content)
	key := a.Key(art.ProjectID, art.Kind)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType(art.Kind, body)),
		Metadata: map[string]string{
			"project-id": art.ProjectID,
			"kind":       string(art.Kind),
			"attempts":   fmt.Sprint(art.Attempts),
		},
	})
	if err != nil {
		return fmt.Errorf("archive: put s3://%s/%s: %w", a.bucket, key, err)
	}
	return nil
}

// contentType sniffs the body. Plain text from a document kind is
// reported as markdown.
func contentType(kind artifact.Kind, body []byte) string {
	mt := mimetype.Detect(body)
	if mt.Is("text/plain") && extension(kind) == ".md" {
		return "text/markdown; charset=utf-8"
	}
	return mt.String()
}
