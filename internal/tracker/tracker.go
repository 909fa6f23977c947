// Package tracker records which documents have already been handled.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/MikeSquared-Agency/dealflow/internal/domain"
)

// Tracker is the durable processed set. A document is in the set once
// MarkProcessed returns nil, and stays there until Forget.
type Tracker interface {
	IsProcessed(ctx context.Context, documentID string) (bool, error)
	MarkProcessed(ctx context.Context, m domain.ProcessedMarker) error
	Forget(ctx context.Context, documentID string) error
	List(ctx context.Context) ([]domain.ProcessedMarker, error)
	// History returns every entry logged for one document, oldest first,
	// including reset entries.
	History(ctx context.Context, documentID string) ([]domain.ProcessedMarker, error)
}

// File is a Tracker backed by an append-only JSON-lines log. Every entry is
// synced to disk before it becomes visible in memory.
type File struct {
	mu      sync.Mutex
	path    string
	f       *os.File
	markers map[string]domain.ProcessedMarker
	history map[string][]domain.ProcessedMarker
	logger  *slog.Logger
}

// OpenFile loads the log at path, creating it if needed.
func OpenFile(path string, logger *slog.Logger) (*File, error) {
	p := expandHome(path)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}

	f, err := os.OpenFile(p, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open tracker log: %w", err)
	}

	t := &File{
		path:    p,
		f:       f,
		markers: make(map[string]domain.ProcessedMarker),
		history: make(map[string][]domain.ProcessedMarker),
		logger:  logger,
	}
	if err := t.replay(); err != nil {
		f.Close()
		return nil, err
	}
	return t, nil
}

func (t *File) replay() error {
	data, err := os.ReadFile(t.path)
	if err != nil {
		return fmt.Errorf("read tracker log: %w", err)
	}

	var good int64
	lineNo := 0
	for len(data) > 0 {
		lineNo++
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			// Unterminated final line: a write interrupted by a crash.
			var m domain.ProcessedMarker
			if json.Unmarshal(data, &m) == nil && m.DocumentID != "" {
				t.apply(m)
				if _, err := t.f.WriteAt([]byte("\n"), good+int64(len(data))); err != nil {
					return fmt.Errorf("terminate tracker log: %w", err)
				}
				good += int64(len(data)) + 1
			} else {
				t.logger.Warn("discarding torn tracker entry", "path", t.path, "line", lineNo)
				if err := t.f.Truncate(good); err != nil {
					return fmt.Errorf("truncate tracker log: %w", err)
				}
			}
			break
		}

		line := bytes.TrimSpace(data[:i])
		if len(line) > 0 {
			var m domain.ProcessedMarker
			if err := json.Unmarshal(line, &m); err != nil {
				return fmt.Errorf("parse tracker log line %d: %w", lineNo, err)
			}
			t.apply(m)
		}
		good += int64(i) + 1
		data = data[i+1:]
	}

	if _, err := t.f.Seek(good, 0); err != nil {
		return fmt.Errorf("seek tracker log: %w", err)
	}
	return nil
}

func (t *File) apply(m domain.ProcessedMarker) {
	t.history[m.DocumentID] = append(t.history[m.DocumentID], m)
	if m.Outcome == domain.OutcomeReset {
		delete(t.markers, m.DocumentID)
		return
	}
	t.markers[m.DocumentID] = m
}

func (t *File) append(m domain.ProcessedMarker) error {
	line, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal marker: %w", err)
	}
	line = append(line, '\n')
	if _, err := t.f.Write(line); err != nil {
		return fmt.Errorf("append marker: %w", err)
	}
	if err := t.f.Sync(); err != nil {
		return fmt.Errorf("sync tracker log: %w", err)
	}
	return nil
}

func (t *File) IsProcessed(_ context.Context, documentID string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.markers[documentID]
	return ok, nil
}

func (t *File) MarkProcessed(_ context.Context, m domain.ProcessedMarker) error {
	if m.DocumentID == "" {
		return fmt.Errorf("mark processed: empty document id")
	}
	if m.ProcessedAt.IsZero() {
		m.ProcessedAt = time.Now().UTC()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.append(m); err != nil {
		return err
	}
	t.apply(m)
	return nil
}

// Forget logs a reset entry so the document is eligible again.
func (t *File) Forget(_ context.Context, documentID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := domain.ProcessedMarker{
		DocumentID:  documentID,
		ProcessedAt: time.Now().UTC(),
		Outcome:     domain.OutcomeReset,
	}
	if err := t.append(m); err != nil {
		return err
	}
	t.apply(m)
	return nil
}

// List returns the latest marker of every processed document, oldest first.
func (t *File) List(_ context.Context) ([]domain.ProcessedMarker, error) {
	t.mu.Lock()
	out := make([]domain.ProcessedMarker, 0, len(t.markers))
	for _, m := range t.markers {
		out = append(out, m)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ProcessedAt.Equal(out[j].ProcessedAt) {
			return out[i].DocumentID < out[j].DocumentID
		}
		return out[i].ProcessedAt.Before(out[j].ProcessedAt)
	})
	return out, nil
}

func (t *File) History(_ context.Context, documentID string) ([]domain.ProcessedMarker, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.ProcessedMarker(nil), t.history[documentID]...), nil
}

func (t *File) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.f.Close()
}

func expandHome(path string) string {
	if len(path) > 1 && path[0] == '~' && path[1] == '/' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
