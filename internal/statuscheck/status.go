package statuscheck

import (
	"context"
	"errors"
	"os/exec"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/local/scansplit/internal/pdftest"
	"github.com/local/scansplit/internal/preview"
)

// Pinger models the minimal capability we need from Redis and S3 for status checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

type redisPinger struct{ c *redis.Client }

func (r redisPinger) Ping(ctx context.Context) error { return r.c.Ping(ctx).Err() }

// RedisPinger adapts a go-redis client.
func RedisPinger(c *redis.Client) Pinger {
	if c == nil {
		return nil
	}
	return redisPinger{c}
}

// Checker aggregates health checks for external dependencies.
type Checker struct {
	redis            Pinger
	s3               Pinger
	sofficeBinary    string
	converterEnabled bool
	opener           preview.Opener
	lookPath         func(string) (string, error)
}

// Options configures the Checker.
type Options struct {
	Redis            Pinger
	S3               Pinger
	SofficeBinary    string
	ConverterEnabled bool
	// Opener renders the test document; go-fitz when nil.
	Opener preview.Opener
}

// Status represents the readiness of a subsystem.
type Status struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Summary bundles all subsystem statuses.
type Summary struct {
	Redis       Status `json:"redis"`
	S3          Status `json:"s3"`
	LibreOffice Status `json:"libreoffice"`
	MuPDF       Status `json:"mupdf"`
}

// New creates a new Checker with the provided options.
func New(opts Options) *Checker {
	bin := opts.SofficeBinary
	if bin == "" {
		bin = "soffice"
	}
	opener := opts.Opener
	if opener == nil {
		opener = preview.FitzOpener{}
	}
	return &Checker{
		redis:            opts.Redis,
		s3:               opts.S3,
		sofficeBinary:    bin,
		converterEnabled: opts.ConverterEnabled,
		opener:           opener,
		lookPath:         exec.LookPath,
	}
}

// Summary returns the current status snapshot.
func (c *Checker) Summary(ctx context.Context) Summary {
	return Summary{
		Redis:       c.checkRedis(ctx),
		S3:          c.checkS3(ctx),
		LibreOffice: c.checkLibreOffice(),
		MuPDF:       c.checkMuPDF(),
	}
}

func (c *Checker) checkRedis(ctx context.Context) Status {
	if c.redis == nil {
		return Status{OK: false, Message: "Not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.redis.Ping(ctx); err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	return Status{OK: true, Message: "Connected"}
}

func (c *Checker) checkS3(ctx context.Context) Status {
	if c.s3 == nil {
		return Status{OK: false, Message: "Bucket not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.s3.Ping(ctx); err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	return Status{OK: true, Message: "Connected"}
}

func (c *Checker) checkLibreOffice() Status {
	if !c.converterEnabled {
		return Status{OK: false, Message: "Disabled"}
	}
	if _, err := c.lookPath(c.sofficeBinary); err != nil {
		return Status{OK: false, Message: "Binary not found"}
	}
	return Status{OK: true, Message: "Available"}
}

// checkMuPDF renders a generated one-page document through the embedded MuPDF.
func (c *Checker) checkMuPDF() Status {
	doc, err := c.opener.Open(pdftest.Build(pdftest.Letter("scansplit")))
	if err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	defer doc.Close()
	if doc.NumPage() != 1 {
		return Status{OK: false, Message: "unexpected page count"}
	}
	if _, err := doc.Image(0, 18); err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	return Status{OK: true, Message: "Available"}
}

func trimError(err error) string {
	if err == nil {
		return ""
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	msg := err.Error()
	if len(msg) > 120 {
		return msg[:120]
	}
	return msg
}
