// Package archive keeps raw benchmark reports in S3-compatible storage,
// keyed by the record they produced.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/dbbenchoor/pkg/canonical"
	"github.com/ethpandaops/dbbenchoor/pkg/config"
)

const defaultPrefix = "raw"

// Archiver stores and retrieves raw reports.
type Archiver interface {
	// Preflight verifies the bucket is reachable and writable.
	Preflight(ctx context.Context) error
	// Store uploads raw for a persisted record and returns the object key.
	Store(ctx context.Context, rec *canonical.Record, raw string) (string, error)
	// Fetch returns the raw report for a record, or ("", nil) when none was
	// archived.
	Fetch(ctx context.Context, rec *canonical.Record) (string, error)
}

// Compile-time interface check.
var _ Archiver = (*s3Archiver)(nil)

type s3Archiver struct {
	log    logrus.FieldLogger
	cfg    *config.S3Config
	client *s3.Client
}

// NewS3 creates an archiver from the given configuration.
func NewS3(log logrus.FieldLogger, cfg *config.S3Config) Archiver {
	return &s3Archiver{
		log:    log.WithField("component", "archive"),
		cfg:    cfg,
		client: newS3Client(cfg),
	}
}

func newS3Client(cfg *config.S3Config) *s3.Client {
	return s3.New(s3.Options{}, func(o *s3.Options) {
		o.Region = cfg.Region
		if o.Region == "" {
			o.Region = "us-east-1"
		}

		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}

		o.UsePathStyle = cfg.ForcePathStyle

		// Many S3-compatible servers reject the default flexible checksums.
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired

		if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, "",
			)
		}
	})
}

func (a *s3Archiver) Preflight(ctx context.Context) error {
	content := "dbbenchoor write test: " + time.Now().UTC().Format(time.RFC3339)

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(a.prefix() + "/.write-test"),
		Body:        strings.NewReader(content),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return fmt.Errorf("writing test object to s3://%s: %w", a.cfg.Bucket, err)
	}

	return nil
}

func (a *s3Archiver) Store(
	ctx context.Context, rec *canonical.Record, raw string,
) (string, error) {
	if rec.ID == 0 {
		return "", errors.New("record has no id")
	}

	key := a.key(rec)

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        strings.NewReader(raw),
		ContentType: aws.String("text/plain; charset=utf-8"),
	})
	if err != nil {
		return "", fmt.Errorf("putting object %q: %w", key, err)
	}

	a.log.WithFields(logrus.Fields{
		"key":    key,
		"bucket": a.cfg.Bucket,
		"bytes":  len(raw),
	}).Debug("Archived raw report")

	return key, nil
}

func (a *s3Archiver) Fetch(ctx context.Context, rec *canonical.Record) (string, error) {
	key := a.key(rec)

	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return "", nil
		}

		return "", fmt.Errorf("getting object %q: %w", key, err)
	}

	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return "", fmt.Errorf("reading object %q: %w", key, err)
	}

	return string(data), nil
}

// key lays reports out as <prefix>/<database>/<id>.log.
func (a *s3Archiver) key(rec *canonical.Record) string {
	database := rec.Database
	if database == "" {
		database = "unknown"
	}

	return a.prefix() + "/" + database + "/" + strconv.FormatUint(uint64(rec.ID), 10) + ".log"
}

func (a *s3Archiver) prefix() string {
	prefix := strings.Trim(a.cfg.Prefix, "/")
	if prefix == "" {
		return defaultPrefix
	}

	return prefix
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}

	// Some S3-compatible servers return a generic error instead.
	return strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "StatusCode: 404")
}
