package sink

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/local/scansplit/internal/extract"
)

// Local writes documents to <Dir>/<session>/<filename>.
type Local struct {
	Dir string
}

func NewLocal(dir string) *Local {
	if dir == "" {
		dir = filepath.Join("uploads", "results")
	}
	return &Local{Dir: dir}
}

func (l *Local) sessionDir(sessionID string) (string, error) {
	if err := ValidName(sessionID); err != nil {
		return "", err
	}
	return filepath.Join(l.Dir, sessionID), nil
}

// Deliver writes doc and returns its path. The file appears atomically.
func (l *Local) Deliver(ctx context.Context, sessionID string, doc extract.Document) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := ValidName(doc.Filename); err != nil {
		return "", err
	}
	dir, err := l.sessionDir(sessionID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(dir, ".part-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(doc.Bytes); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write %s: %w", doc.Filename, err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	p := filepath.Join(dir, doc.Filename)
	if err := os.Rename(tmp.Name(), p); err != nil {
		return "", err
	}
	log.Debug().Str("session_id", sessionID).Str("path", p).Int("bytes", len(doc.Bytes)).Msg("document saved locally")
	return p, nil
}

// Files lists the documents saved for a session, sorted by name.
func (l *Local) Files(sessionID string) ([]string, error) {
	dir, err := l.sessionDir(sessionID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && ValidName(e.Name()) == nil {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (l *Local) Read(sessionID, name string) ([]byte, error) {
	if err := ValidName(name); err != nil {
		return nil, err
	}
	dir, err := l.sessionDir(sessionID)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(filepath.Join(dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return b, err
}

// Remove deletes everything saved for a session.
func (l *Local) Remove(sessionID string) error {
	dir, err := l.sessionDir(sessionID)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}
