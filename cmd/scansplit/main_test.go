package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/scansplit/internal/extract"
	"github.com/local/scansplit/internal/orchestrator"
	"github.com/local/scansplit/internal/sink"
)

func TestOutputTarget(t *testing.T) {
	dir := t.TempDir()
	parent, session, err := outputTarget(filepath.Join(dir, "batch1"))
	require.NoError(t, err)
	assert.Equal(t, dir, parent)
	assert.Equal(t, "batch1", session)

	for _, bad := range []string{"/", filepath.Join(dir, ".hidden")} {
		_, _, err := outputTarget(bad)
		assert.Error(t, err, bad)
	}
}

func TestDeliverOnly_KeepsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	keep := filepath.Join(dir, "batch1", "notes.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(keep), 0o755))
	require.NoError(t, os.WriteFile(keep, []byte("mine"), 0o644))

	var d orchestrator.Sink = deliverOnly{sink.NewLocal(dir)}
	_, removable := d.(orchestrator.OutputRemover)
	assert.False(t, removable, "the CLI sink must not expose Remove")

	loc, err := d.Deliver(context.Background(), "batch1", extract.Document{Label: "Alice", Filename: "Alice.pdf", Bytes: []byte("%PDF")})
	require.NoError(t, err)
	assert.FileExists(t, loc)
	assert.FileExists(t, keep)
}
