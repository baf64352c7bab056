// Package sink delivers split documents to where the user collects them.
package sink

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when a session has no file by the requested name.
var ErrNotFound = errors.New("file not found")

// ValidName rejects file and session names that could escape a session
// directory.
func ValidName(name string) error {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid file name %q", name)
	}
	return nil
}
