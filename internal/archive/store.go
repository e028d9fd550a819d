// Package archive keeps raw payment-provider exchanges in S3 for dispute
// handling and audits.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/wolfman30/clinic-booking/internal/gateway"
	"github.com/wolfman30/clinic-booking/pkg/logging"
)

const (
	keyPrefix          = "gateway/v1"
	maxManifestRetries = 4
)

// S3API is the subset of the S3 client used by Store.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// ManifestEntry is one line of the monthly JSONL index.
type ManifestEntry struct {
	Key           string    `json:"key"`
	Provider      string    `json:"provider"`
	Operation     string    `json:"operation"`
	TransactionID string    `json:"transaction_id"`
	StatusCode    int       `json:"status_code,omitempty"`
	At            time.Time `json:"at"`
}

// Store implements gateway.Recorder on top of an S3 bucket. A nil Store or
// one without a bucket records nothing.
type Store struct {
	client S3API
	bucket string
	logger *logging.Logger
	newID  func() string
}

var _ gateway.Recorder = (*Store)(nil)

func NewStore(client S3API, bucket string, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{
		client: client,
		bucket: bucket,
		logger: logger.Component("archive"),
		newID:  func() string { return uuid.NewString()[:8] },
	}
}

func (s *Store) Enabled() bool {
	return s != nil && s.client != nil && s.bucket != ""
}

// RecordExchange stores one scrubbed exchange and indexes it in the monthly
// manifest. A manifest failure is logged; the exchange object stays.
func (s *Store) RecordExchange(ctx context.Context, ex gateway.Exchange) error {
	if !s.Enabled() {
		return nil
	}
	if ex.At.IsZero() {
		ex.At = time.Now()
	}
	ex.At = ex.At.UTC()
	ex.Request = ScrubPayload(ex.Request)
	ex.Response = ScrubPayload(ex.Response)

	body, err := json.Marshal(ex)
	if err != nil {
		return fmt.Errorf("archive: marshal exchange: %w", err)
	}
	key := s.objectKey(ex)
	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	}); err != nil {
		return fmt.Errorf("archive: put %s: %w", key, err)
	}

	entry := ManifestEntry{
		Key:           key,
		Provider:      ex.Provider,
		Operation:     ex.Operation,
		TransactionID: ex.TransactionID,
		StatusCode:    ex.StatusCode,
		At:            ex.At,
	}
	if err := s.AppendManifest(ctx, entry); err != nil {
		s.logger.Warn("manifest append failed", "error", err, "key", key)
	}
	return nil
}

// objectKey files an exchange under provider and UTC day.
func (s *Store) objectKey(ex gateway.Exchange) string {
	txn := ex.TransactionID
	if txn == "" {
		txn = "no-txn"
	}
	return fmt.Sprintf("%s/%s/%s/%s-%s-%s.json", keyPrefix, ex.Provider, ex.At.Format("2006/01/02"), txn, ex.Operation, s.newID())
}

// ManifestKey is the JSONL index holding every exchange of at's month.
func ManifestKey(at time.Time) string {
	return fmt.Sprintf("%s/manifests/%s.jsonl", keyPrefix, at.UTC().Format("2006-01"))
}

// AppendManifest adds entry to its monthly manifest. Writes are conditional
// on the ETag that was read (or on the object not existing yet), so
// concurrent writers retry instead of overwriting each other.
func (s *Store) AppendManifest(ctx context.Context, entry ManifestEntry) error {
	if !s.Enabled() {
		return nil
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("archive: marshal manifest entry: %w", err)
	}
	line = append(line, '\n')
	key := ManifestKey(entry.At)

	for attempt := 1; ; attempt++ {
		current, etag, err := s.read(ctx, key)
		if err != nil {
			return err
		}
		if n := len(current); n > 0 && current[n-1] != '\n' {
			current = append(current, '\n')
		}
		input := &s3.PutObjectInput{
			Bucket:               aws.String(s.bucket),
			Key:                  aws.String(key),
			Body:                 bytes.NewReader(append(current, line...)),
			ContentType:          aws.String("application/x-ndjson"),
			ServerSideEncryption: s3types.ServerSideEncryptionAes256,
		}
		if etag == "" {
			input.IfNoneMatch = aws.String("*")
		} else {
			input.IfMatch = aws.String(etag)
		}

		_, err = s.client.PutObject(ctx, input)
		switch {
		case err == nil:
			return nil
		case !isWriteConflict(err):
			return fmt.Errorf("archive: put manifest %s: %w", key, err)
		case attempt == maxManifestRetries:
			return fmt.Errorf("archive: manifest %s still contended after %d attempts: %w", key, attempt, err)
		}
		s.logger.Debug("manifest changed underneath, retrying", "key", key, "attempt", attempt)
	}
}

// read returns the object body and ETag, or nil and "" when it is missing.
func (s *Store) read(ctx context.Context, key string) ([]byte, string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		var missing *s3types.NoSuchKey
		if errors.As(err, &missing) {
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("archive: get %s: %w", key, err)
	}
	defer out.Body.Close()
	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, "", fmt.Errorf("archive: read %s: %w", key, err)
	}
	return body, aws.ToString(out.ETag), nil
}

func isWriteConflict(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "PreconditionFailed", "ConditionalRequestConflict":
		return true
	}
	return false
}
