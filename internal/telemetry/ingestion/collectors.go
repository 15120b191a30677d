package ingestion

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Collector produces the snapshot for one correlation run.
type Collector interface {
	// Name returns the collector name
	Name() string
	// Collect loads and decodes the combined record
	Collect(ctx context.Context) (*Snapshot, error)
}

// ResultsPath returns where the log assembler writes the combined record
// for a sample folder: <root>/Results/<folder>/output.json.
func ResultsPath(root, folder string) string {
	return filepath.Join(root, "Results", folder, "output.json")
}

// FileCollector reads a combined record from disk.
type FileCollector struct {
	path string
}

// NewFileCollector creates a collector for the record at path.
func NewFileCollector(path string) *FileCollector {
	return &FileCollector{path: path}
}

func (c *FileCollector) Name() string { return "file:" + c.path }

// Collect opens and decodes the record file.
func (c *FileCollector) Collect(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(c.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open record: %w", err)
	}
	defer f.Close()

	snap, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.path, err)
	}
	return snap, nil
}
