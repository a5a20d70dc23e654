// Package archive implements the optional audit-trail step ahead of
// ProcessingLog/MetricsCollector retention pruning: rows
// about to be deleted are gzipped as newline-delimited JSON and
// uploaded to S3 before the delete proceeds, so a retention sweep is
// auditable rather than a silent loss.
package archive

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/practo/klog/v2"
)

// Config governs the optional S3 archival feature.
type Config struct {
	Enabled         bool
	S3Bucket        string
	S3Region        string
	AccessKeyID     string
	SecretAccessKey string
}

// Archiver uploads gzipped newline-delimited JSON snapshots of rows a
// retention sweep is about to delete.
type Archiver struct {
	uploader *s3manager.Uploader
	bucket   string
}

// New constructs an Archiver from cfg. Returns (nil, nil) when archival
// is disabled, so callers can treat a nil *Archiver as a no-op.
func New(cfg Config) (*Archiver, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	awsConfig := aws.NewConfig().WithRegion(cfg.S3Region)
	if cfg.AccessKeyID != "" {
		awsConfig = awsConfig.WithCredentials(
			credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		)
	} else {
		awsConfig = awsConfig.WithCredentialsChainVerboseErrors(true)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("starting s3 session for archival: %w", err)
	}

	return &Archiver{
		uploader: s3manager.NewUploader(sess),
		bucket:   cfg.S3Bucket,
	}, nil
}

// KeyFor builds the archival object key for one table's retention
// sweep: <kind>/<tableID>/<unix-seconds>.jsonl.gz.
func KeyFor(kind, tableID string, now time.Time) string {
	return fmt.Sprintf("%s/%s/%d.jsonl.gz", kind, tableID, now.Unix())
}

// ArchiveRows gzip-compresses rows (one JSON object per line) and
// uploads them under key. A nil receiver is a no-op, matching the
// disabled-archival default so CleanupOlderThan callers don't need a
// feature-flag branch of their own.
func (a *Archiver) ArchiveRows(key string, rows interface{}) error {
	if a == nil {
		return nil
	}

	body, err := encodeNDJSON(rows)
	if err != nil {
		return fmt.Errorf("encoding rows for archival: %w", err)
	}

	gzBuf := &bytes.Buffer{}
	gz := gzip.NewWriter(gzBuf)
	if _, err := gz.Write(body); err != nil {
		return fmt.Errorf("compressing archive payload: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("closing gzip writer: %w", err)
	}

	_, err = a.uploader.Upload(&s3manager.UploadInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   gzBuf,
	})
	if err != nil {
		return fmt.Errorf("uploading archive to s3://%s/%s: %w", a.bucket, key, err)
	}

	klog.V(2).Infof("archived rows to s3://%s/%s", a.bucket, key)
	return nil
}

// encodeNDJSON marshals a slice into newline-delimited JSON, one
// element per line, without reflecting on the element type.
func encodeNDJSON(rows interface{}) ([]byte, error) {
	data, err := json.Marshal(rows)
	if err != nil {
		return nil, err
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return nil, fmt.Errorf("rows must marshal to a JSON array: %w", err)
	}

	buf := &bytes.Buffer{}
	for _, e := range elems {
		buf.Write(e)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}
