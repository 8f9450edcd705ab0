package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Publisher stores finished screenshots and returns the URL clients use
// to fetch them.
type Publisher interface {
	Publish(ctx context.Context, name string, data []byte) (string, error)
}

// LocalPublisher writes artifacts into a directory the API server serves
// statically.
type LocalPublisher struct {
	dir    string
	prefix string
}

func NewLocalPublisher(dir, urlPrefix string) (*LocalPublisher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &LocalPublisher{dir: dir, prefix: strings.TrimRight(urlPrefix, "/")}, nil
}

// Dir returns the directory artifacts land in, for the static file
// handler.
func (p *LocalPublisher) Dir() string { return p.dir }

// Publish writes the artifact under a temp name and renames it into
// place, so a reader can never observe a partial file.
func (p *LocalPublisher) Publish(_ context.Context, name string, data []byte) (string, error) {
	path := filepath.Join(p.dir, name)

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("failed to finalize artifact: %w", err)
	}
	return p.prefix + "/" + name, nil
}

// Prune deletes artifacts older than maxAge and reports how many went.
// Result cache entries must expire before their artifacts do, so callers
// keep maxAge above the result cache TTL.
func (p *LocalPublisher) Prune(maxAge time.Duration) int {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return 0
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if os.Remove(filepath.Join(p.dir, e.Name())) == nil {
				removed++
			}
		}
	}
	return removed
}
