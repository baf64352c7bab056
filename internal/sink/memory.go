package sink

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/local/scansplit/internal/extract"
)

// Memory keeps delivered documents in process memory.
type Memory struct {
	mu    sync.Mutex
	files map[string]map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{files: make(map[string]map[string][]byte)}
}

func (m *Memory) Deliver(ctx context.Context, sessionID string, doc extract.Document) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := ValidName(doc.Filename); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.files[sessionID] == nil {
		m.files[sessionID] = make(map[string][]byte)
	}
	m.files[sessionID][doc.Filename] = append([]byte(nil), doc.Bytes...)
	return fmt.Sprintf("memory://%s/%s", sessionID, doc.Filename), nil
}

func (m *Memory) Files(sessionID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.files[sessionID]))
	for n := range m.files[sessionID] {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (m *Memory) Read(sessionID, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[sessionID][name]
	if !ok {
		return nil, ErrNotFound
	}
	return b, nil
}

func (m *Memory) Remove(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, sessionID)
	return nil
}
