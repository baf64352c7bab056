// Package source fetches scanned documents referenced by path or URL.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/local/scansplit/internal/storage"
)

// Downloader is the part of storage.S3Client used for s3:// references.
type Downloader interface {
	Download(ctx context.Context, bucket, key, password string) ([]byte, *storage.FileMetadata, error)
}

// ErrNotAllowed is returned for references outside the configured allowlists.
var ErrNotAllowed = errors.New("source reference not allowed")

// Options tunes Fetch. Every reference kind is disabled until allowed.
type Options struct {
	S3         Downloader
	Password   string
	HTTPClient *http.Client
	// MaxBytes caps the fetched size; 0 means no limit.
	MaxBytes int64
	// AllowFiles permits file:// and plain filesystem references.
	AllowFiles bool
	// AllowHosts lists the hostnames http(s) references and their redirects
	// may reach. "*" allows any host.
	AllowHosts []string
	// AllowBuckets lists the buckets s3 references may read. "*" allows any.
	AllowBuckets []string
}

func allowed(list []string, name string) bool {
	for _, v := range list {
		if v == "*" || strings.EqualFold(v, name) {
			return true
		}
	}
	return false
}

// Fetch returns the bytes and a display name for ref. Supported forms:
// - file://path or absolute/relative filesystem paths
// - http(s):// URLs
// - s3://bucket/key
func Fetch(ctx context.Context, ref string, opts Options) ([]byte, string, error) {
	// Strip optional #page fragment if present
	if i := strings.Index(ref, "#"); i >= 0 {
		ref = ref[:i]
	}
	if strings.TrimSpace(ref) == "" {
		return nil, "", fmt.Errorf("empty source reference")
	}

	switch {
	case strings.HasPrefix(ref, "s3://"):
		return fetchS3(ctx, ref, opts)
	case strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://"):
		return fetchHTTP(ctx, ref, opts)
	case strings.Contains(ref, "://") && !strings.HasPrefix(ref, "file://"):
		return nil, "", fmt.Errorf("unsupported source reference %q", ref)
	default:
		if !opts.AllowFiles {
			return nil, "", fmt.Errorf("%w: filesystem references are disabled", ErrNotAllowed)
		}
		return fetchFile(strings.TrimPrefix(ref, "file://"), opts)
	}
}

func fetchFile(p string, opts Options) ([]byte, string, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()
	b, err := readLimited(f, opts.MaxBytes)
	if err != nil {
		return nil, "", err
	}
	return b, filepath.Base(p), nil
}

func fetchHTTP(ctx context.Context, ref string, opts Options) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, "", err
	}
	if len(opts.AllowHosts) == 0 {
		return nil, "", fmt.Errorf("%w: http references are disabled", ErrNotAllowed)
	}
	if host := req.URL.Hostname(); !allowed(opts.AllowHosts, host) {
		return nil, "", fmt.Errorf("%w: host %q", ErrNotAllowed, host)
	}

	client := http.Client{}
	if opts.HTTPClient != nil {
		client = *opts.HTTPClient
	}
	next := client.CheckRedirect
	client.CheckRedirect = func(r *http.Request, via []*http.Request) error {
		if host := r.URL.Hostname(); !allowed(opts.AllowHosts, host) {
			return fmt.Errorf("%w: redirect to host %q", ErrNotAllowed, host)
		}
		if next != nil {
			return next(r, via)
		}
		if len(via) >= 10 {
			return errors.New("stopped after 10 redirects")
		}
		return nil
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("http %d", resp.StatusCode)
	}
	b, err := readLimited(resp.Body, opts.MaxBytes)
	if err != nil {
		return nil, "", err
	}

	name := ""
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		name = filepath.Base(params["filename"])
	}
	if name == "" || name == "." {
		if u, err := url.Parse(ref); err == nil {
			name = path.Base(u.Path)
		}
	}
	if name == "" || name == "/" || name == "." {
		name = "download"
	}
	log.Info().Str("url", ref).Int("bytes", len(b)).Msg("downloaded source over http")
	return b, name, nil
}

func fetchS3(ctx context.Context, ref string, opts Options) ([]byte, string, error) {
	if opts.S3 == nil {
		return nil, "", fmt.Errorf("s3 is not configured")
	}
	// s3://bucket/key
	p := strings.TrimPrefix(ref, "s3://")
	slash := strings.Index(p, "/")
	if slash <= 0 || slash == len(p)-1 {
		return nil, "", fmt.Errorf("invalid s3 url: %s", ref)
	}
	bucket, key := p[:slash], p[slash+1:]
	if !allowed(opts.AllowBuckets, bucket) {
		return nil, "", fmt.Errorf("%w: bucket %q", ErrNotAllowed, bucket)
	}

	b, meta, err := opts.S3.Download(ctx, bucket, key, opts.Password)
	if err != nil {
		return nil, "", err
	}
	if opts.MaxBytes > 0 && int64(len(b)) > opts.MaxBytes {
		return nil, "", fmt.Errorf("source exceeds %d bytes", opts.MaxBytes)
	}
	name := path.Base(key)
	if meta != nil && meta.OriginalName != "" {
		name = meta.OriginalName
	}
	return b, name, nil
}

func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return io.ReadAll(r)
	}
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, fmt.Errorf("source exceeds %d bytes", max)
	}
	return b, nil
}
