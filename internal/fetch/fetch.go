// Package fetch resolves job inputs to local files, downloading s3:// URIs
// into a scratch directory first.
package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"

	"georeg/internal/fsutil"
)

// Resolver maps input references to local paths.
type Resolver struct {
	downloader s3manageriface.DownloaderAPI
	tempDir    string
	log        *slog.Logger
}

// NewResolver builds a Resolver backed by an S3 session in region. The
// session is created lazily by the SDK, so no network access happens here.
func NewResolver(region, tempDir string, logger *slog.Logger) (*Resolver, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("aws session: %w", err)
	}
	return NewResolverWithDownloader(s3manager.NewDownloader(sess), tempDir, logger), nil
}

// NewResolverWithDownloader uses d for s3:// inputs.
func NewResolverWithDownloader(d s3manageriface.DownloaderAPI, tempDir string, logger *slog.Logger) *Resolver {
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{downloader: d, tempDir: tempDir, log: logger}
}

// SplitS3 breaks s3://bucket/key into its parts.
func SplitS3(uri string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(uri, "s3://")
	if !found {
		return "", "", false
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

// Resolve returns a readable local path for ref. Local paths must exist;
// s3:// objects are downloaded under <tempDir>/<jobID>/.
func (r *Resolver) Resolve(ctx context.Context, jobID, ref string) (string, error) {
	if !strings.HasPrefix(ref, "s3://") {
		if err := fsutil.RequireFile(ref); err != nil {
			return "", err
		}
		return ref, nil
	}
	bucket, key, ok := SplitS3(ref)
	if !ok {
		return "", fmt.Errorf("malformed s3 uri %q", ref)
	}
	if r.downloader == nil {
		return "", fmt.Errorf("no s3 downloader configured for %s", ref)
	}

	local := filepath.Join(r.tempDir, jobID, bucket, filepath.FromSlash(key))
	if err := fsutil.EnsureParentDir(local); err != nil {
		return "", err
	}
	f, err := os.Create(local)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", local, err)
	}
	n, err := r.downloader.DownloadWithContext(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	closeErr := f.Close()
	if err != nil {
		os.Remove(local)
		return "", fmt.Errorf("download %s: %w", ref, err)
	}
	if closeErr != nil {
		return "", closeErr
	}
	r.log.Info("downloaded input", "job_id", jobID, "uri", ref, "path", local, "bytes", n)
	return local, nil
}

// Cleanup removes anything downloaded for jobID.
func (r *Resolver) Cleanup(jobID string) error {
	if jobID == "" {
		return nil
	}
	return os.RemoveAll(filepath.Join(r.tempDir, jobID))
}
