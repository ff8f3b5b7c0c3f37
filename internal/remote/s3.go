package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"path"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dopejs/keepsync/internal/config"
	"github.com/dopejs/keepsync/internal/syncerr"
)

// stampsMetaKey carries the per-domain lastModified map as object metadata so
// FetchStamps can use a HEAD request.
const stampsMetaKey = "Keepsync-Stamps"

// S3 stores one JSON object per user in an S3-compatible bucket.
type S3 struct {
	client *minio.Client
	bucket string
	prefix string
	now    func() time.Time
}

// NewS3 creates an S3 store from cfg.
func NewS3(cfg config.RemoteConfig) (*S3, error) {
	endpoint := cfg.Endpoint
	useSSL := true
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		endpoint = strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		endpoint = strings.TrimPrefix(endpoint, "http://")
		useSSL = false
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errors.Wrap(err, "s3 init")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "users"
	}
	return &S3{client: client, bucket: cfg.Bucket, prefix: prefix, now: time.Now}, nil
}

func (b *S3) Name() string { return "s3" }

func (b *S3) objectKey(userID string) string {
	return path.Join(b.prefix, userID+".json")
}

func (b *S3) FetchUserDocument(ctx context.Context, userID string) (*Document, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, b.objectKey(userID), minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyS3(errors.Wrap(err, "s3 fetch"), err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, nil
		}
		return nil, classifyS3(errors.Wrap(err, "s3 fetch"), err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, syncerr.Integrity(errors.Wrap(err, "s3 fetch: decode document"))
	}
	if doc.Data == nil {
		doc.Data = map[string]json.RawMessage{}
	}
	return &doc, nil
}

// SaveUserDocument reads the current object, overlays domains and writes it
// back with refreshed stamp metadata.
func (b *S3) SaveUserDocument(ctx context.Context, userID string, domains map[string]json.RawMessage) error {
	current, err := b.FetchUserDocument(ctx, userID)
	if err != nil {
		return errors.Wrap(err, "s3 save")
	}
	doc := Document{UserID: userID}
	if current != nil {
		doc.Data = current.Data
	}
	doc.Data = mergeData(doc.Data, domains)
	doc.UpdatedAt = b.now().UTC()

	body, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "s3 save: encode document")
	}
	stamps, err := encodeStamps(StampsOf(doc.Data))
	if err != nil {
		return errors.Wrap(err, "s3 save: encode stamps")
	}

	_, err = b.client.PutObject(ctx, b.bucket, b.objectKey(userID), bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType:  "application/json",
		UserMetadata: map[string]string{stampsMetaKey: stamps},
	})
	if err != nil {
		return classifyS3(errors.Wrap(err, "s3 save"), err)
	}
	return nil
}

// FetchStamps reads only object metadata.
func (b *S3) FetchStamps(ctx context.Context, userID string) (map[string]time.Time, error) {
	info, err := b.client.StatObject(ctx, b.bucket, b.objectKey(userID), minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return map[string]time.Time{}, nil
		}
		return nil, classifyS3(errors.Wrap(err, "s3 stat"), err)
	}
	for k, v := range info.UserMetadata {
		if strings.EqualFold(k, stampsMetaKey) || strings.EqualFold(k, "X-Amz-Meta-"+stampsMetaKey) {
			return decodeStamps(v)
		}
	}
	// Written by something other than keepsync.
	return nil, ErrStampsUnsupported
}

func encodeStamps(stamps map[string]time.Time) (string, error) {
	out := make(map[string]string, len(stamps))
	for k, t := range stamps {
		out[k] = t.UTC().Format(time.RFC3339Nano)
	}
	raw, err := json.Marshal(out)
	return string(raw), err
}

func decodeStamps(s string) (map[string]time.Time, error) {
	var raw map[string]string
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, syncerr.Integrity(errors.Wrap(err, "decode stamps"))
	}
	out := make(map[string]time.Time, len(raw))
	for k, v := range raw {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			continue
		}
		out[k] = t
	}
	return out, nil
}

func classifyS3(wrapped, raw error) error {
	resp := minio.ToErrorResponse(raw)
	switch resp.Code {
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
		return syncerr.Auth(wrapped)
	case "NoSuchBucket":
		return wrapped
	}
	return classifyStatus(resp.StatusCode, wrapped)
}
