package staging

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectConfig locates staged runs in an S3-compatible bucket.
type ObjectConfig struct {
	Endpoint  string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// ObjectSource reads runs stored as <prefix>/<run>/<entity>_stage.csv objects.
type ObjectSource struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewObjectSource builds a minio client for cfg. No request is made until the
// first Runs or Open call.
func NewObjectSource(cfg ObjectConfig) (*ObjectSource, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("staging: object source needs a bucket")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("staging: minio client: %w", err)
	}
	return &ObjectSource{client: client, bucket: cfg.Bucket, prefix: cleanPrefix(cfg.Prefix)}, nil
}

func (s *ObjectSource) Runs(ctx context.Context) ([]string, error) {
	var out []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: s.prefix}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("staging: list s3://%s/%s: %w", s.bucket, s.prefix, obj.Err)
		}
		if run, ok := runFromKey(s.prefix, obj.Key); ok {
			out = append(out, run)
		}
	}
	return out, nil
}

func (s *ObjectSource) Open(ctx context.Context, run, name string) (io.ReadCloser, error) {
	key := s.prefix + run + "/" + name
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("staging: get s3://%s/%s: %w", s.bucket, key, err)
	}
	// GetObject is lazy; Stat surfaces a missing key before the CSV reader does.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: s3://%s/%s", ErrDatasetAbsent, s.bucket, key)
		}
		return nil, fmt.Errorf("staging: stat s3://%s/%s: %w", s.bucket, key, err)
	}
	return obj, nil
}

func (s *ObjectSource) Location(run string) string {
	return "s3://" + path.Join(s.bucket, s.prefix, run)
}

// cleanPrefix normalizes a key prefix to "" or "a/b/".
func cleanPrefix(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return ""
	}
	return p + "/"
}

// runFromKey extracts the run name from a non-recursive listing entry. Common
// prefixes come back as keys ending in "/".
func runFromKey(prefix, key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, prefix)
	if !ok || !strings.HasSuffix(rest, "/") {
		return "", false
	}
	run := strings.TrimSuffix(rest, "/")
	if run == "" || strings.Contains(run, "/") {
		return "", false
	}
	return run, true
}
