package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Fetcher downloads job media into a working directory. http(s) URLs go
// through a bounded HTTP client; s3:// URLs go through the AWS SDK so
// workers can pull from an object store or MinIO.
type Fetcher struct {
	httpClient *http.Client
	s3Client   *s3.Client
	maxBytes   int64
}

// FetcherConfig bounds downloads and optionally points the S3 client at
// a custom endpoint (path-style for MinIO).
type FetcherConfig struct {
	Timeout     time.Duration
	MaxBytes    int64
	S3Region    string
	S3Endpoint  string
	S3PathStyle bool
}

// NewFetcher builds the fetcher. The S3 client is constructed lazily
// only when a region is configured.
func NewFetcher(ctx context.Context, cfg FetcherConfig) (*Fetcher, error) {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Minute
	}
	maxBytes := cfg.MaxBytes
	if maxBytes == 0 {
		maxBytes = 2 * 1024 * 1024 * 1024
	}

	f := &Fetcher{
		httpClient: &http.Client{Timeout: timeout},
		maxBytes:   maxBytes,
	}

	if cfg.S3Region != "" {
		opts := []func(*awsconfig.LoadOptions) error{
			awsconfig.WithRegion(cfg.S3Region),
		}
		if cfg.S3Endpoint != "" {
			resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
				if service == s3.ServiceID {
					return aws.Endpoint{
						URL:               cfg.S3Endpoint,
						HostnameImmutable: cfg.S3PathStyle,
						SigningRegion:     cfg.S3Region,
						Source:            aws.EndpointSourceCustom,
					}, nil
				}
				return aws.Endpoint{}, &aws.EndpointNotFoundError{}
			})
			opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		f.s3Client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.UsePathStyle = cfg.S3PathStyle
		})
	}

	return f, nil
}

// Fetch downloads mediaURL into destDir and returns the local path.
func (f *Fetcher) Fetch(ctx context.Context, mediaURL, destDir string) (string, error) {
	parsed, err := url.Parse(mediaURL)
	if err != nil {
		return "", fmt.Errorf("parse media url: %w", err)
	}
	switch parsed.Scheme {
	case "http", "https":
		return f.fetchHTTP(ctx, mediaURL, destDir)
	case "s3":
		return f.fetchS3(ctx, parsed, destDir)
	default:
		return "", fmt.Errorf("unsupported media url scheme %q", parsed.Scheme)
	}
}

func (f *Fetcher) fetchHTTP(ctx context.Context, mediaURL, destDir string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return "", fmt.Errorf("download media: status %d", resp.StatusCode)
	}

	name := path.Base(req.URL.Path)
	if name == "/" || name == "." || name == "" {
		name = "media"
	}
	return f.writeBounded(resp.Body, filepath.Join(destDir, name))
}

func (f *Fetcher) fetchS3(ctx context.Context, parsed *url.URL, destDir string) (string, error) {
	if f.s3Client == nil {
		return "", fmt.Errorf("s3 media url but no S3 region configured")
	}
	bucket := parsed.Host
	key := strings.TrimPrefix(parsed.Path, "/")
	out, err := f.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("get object s3://%s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	name := path.Base(key)
	if name == "" || name == "." {
		name = "media"
	}
	return f.writeBounded(out.Body, filepath.Join(destDir, name))
}

func (f *Fetcher) writeBounded(r io.Reader, dest string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("create media file: %w", err)
	}
	defer out.Close()

	n, err := io.Copy(out, io.LimitReader(r, f.maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("write media file: %w", err)
	}
	if n > f.maxBytes {
		return "", fmt.Errorf("media too large (>%d bytes)", f.maxBytes)
	}
	return dest, nil
}

// VerifySHA256 checks the file against an expected hex digest.
func VerifySHA256(path, expected string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open media file: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hash media file: %w", err)
	}
	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, expected) {
		return fmt.Errorf("sha256 mismatch: got %s want %s", got, expected)
	}
	return nil
}
