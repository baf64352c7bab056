package converter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrUnavailable is returned when the LibreOffice binary cannot be found.
var ErrUnavailable = errors.New("libreoffice not available")

// LibreOffice converts office documents and images to PDF with a headless soffice.
type LibreOffice struct {
	binary    string
	timeout   time.Duration
	semaphore chan struct{}
	// run executes the conversion command; replaced in tests.
	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewLibreOffice creates a converter that runs at most maxWorkers conversions at once.
func NewLibreOffice(binary string, timeout time.Duration, maxWorkers int) *LibreOffice {
	if binary == "" {
		binary = "soffice"
	}
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	return &LibreOffice{
		binary:    binary,
		timeout:   timeout,
		semaphore: make(chan struct{}, maxWorkers),
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).CombinedOutput()
		},
	}
}

// Available reports whether the configured binary is on PATH.
func (l *LibreOffice) Available() bool {
	_, err := exec.LookPath(l.binary)
	return err == nil
}

// ConvertToPDF converts the document in data (named name) to PDF and returns the PDF bytes.
func (l *LibreOffice) ConvertToPDF(ctx context.Context, data []byte, name string) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("file is empty")
	}

	// Acquire semaphore to limit concurrent conversions
	select {
	case l.semaphore <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-l.semaphore }()

	startTime := time.Now()
	workDir, err := os.MkdirTemp("", "scansplit-convert-*")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	base := filepath.Base(name)
	if base == "." || base == string(filepath.Separator) || base == "" {
		base = "document"
	}
	inputPath := filepath.Join(workDir, base)
	if err := os.WriteFile(inputPath, data, 0o600); err != nil {
		return nil, fmt.Errorf("write input: %w", err)
	}

	// Unique profile directory so parallel conversions do not fight over the user profile lock
	profileDir := filepath.Join(workDir, fmt.Sprintf("profile_%s", uuid.New().String()))
	outDir := filepath.Join(workDir, "out")

	cctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	args := []string{
		fmt.Sprintf("-env:UserInstallation=file://%s", profileDir),
		"--headless",
		"--convert-to", "pdf",
		"--outdir", outDir,
		inputPath,
	}
	log.Debug().Str("cmd", l.binary+" "+strings.Join(args, " ")).Msg("LibreOffice command")

	out, err := l.run(cctx, l.binary, args...)
	if errors.Is(cctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("conversion timeout after %v", l.timeout)
	}
	if err != nil {
		if isProtected(out) {
			return nil, fmt.Errorf("document is password protected")
		}
		if errors.Is(err, exec.ErrNotFound) {
			return nil, ErrUnavailable
		}
		return nil, fmt.Errorf("conversion failed: %w: %s", err, strings.TrimSpace(string(out)))
	}

	pdfPath := filepath.Join(outDir, strings.TrimSuffix(base, filepath.Ext(base))+".pdf")
	pdf, err := os.ReadFile(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("output file not created: %w", err)
	}
	if !bytes.HasPrefix(pdf, []byte("%PDF")) {
		return nil, fmt.Errorf("converter produced a non-PDF file")
	}

	log.Info().Str("input", base).Int("bytes", len(pdf)).Dur("duration", time.Since(startTime)).Msg("conversion successful")
	return pdf, nil
}

func isProtected(output []byte) bool {
	s := strings.ToLower(string(output))
	return strings.Contains(s, "password") || strings.Contains(s, "encrypted")
}
