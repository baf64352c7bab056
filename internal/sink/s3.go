package sink

import (
	"context"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/local/scansplit/internal/extract"
	"github.com/local/scansplit/internal/storage"
)

// Uploader is the part of storage.S3Client the S3 sink needs.
type Uploader interface {
	Upload(ctx context.Context, key string, data []byte, password string, metadata *storage.FileMetadata) (string, error)
}

// S3 uploads documents to <Prefix>/<session>/<filename>, sealed with Password when set.
type S3 struct {
	Client   Uploader
	Prefix   string
	Password string
}

func NewS3(client Uploader, prefix, password string) *S3 {
	return &S3{Client: client, Prefix: prefix, Password: password}
}

// Key is the object key for a session's file.
func (s *S3) Key(sessionID, filename string) string {
	return path.Join(s.Prefix, sessionID, filename)
}

func (s *S3) Deliver(ctx context.Context, sessionID string, doc extract.Document) (string, error) {
	if err := ValidName(doc.Filename); err != nil {
		return "", err
	}
	pages := make([]string, len(doc.Pages))
	for i, p := range doc.Pages {
		pages[i] = strconv.Itoa(p)
	}
	meta := &storage.FileMetadata{
		OriginalName: doc.Filename,
		ContentType:  "application/pdf",
		Metadata: map[string]string{
			"session-id": sessionID,
			"label":      url.QueryEscape(string(doc.Label)),
			"pages":      strings.Join(pages, ","),
		},
	}
	return s.Client.Upload(ctx, s.Key(sessionID, doc.Filename), doc.Bytes, s.Password, meta)
}
