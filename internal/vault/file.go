package vault

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// Directory permissions.
	stateDirPerm = 0o700
	// File permissions.
	recordFilePerm = 0o600
	// String replacement constant.
	replacementChar = "-"
	// Longest allowed path segment.
	maxSegmentLength = 255
	// Record file extension.
	recordExt = ".bin"
)

// File stores each record as a file under a root directory.
// Writes go to a temp file first and are renamed into place.
type File struct {
	root string
	// Debug logs each committed write.
	Debug bool
	mu    sync.Mutex
}

// NewFile creates the root directory if needed and returns a File backend.
func NewFile(root string) (*File, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve state directory: %w", err)
	}
	if err := os.MkdirAll(abs, stateDirPerm); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	log.Printf("[INFO] File vault backend initialized: %s", abs)
	return &File{root: abs}, nil
}

// Get implements Backend.
func (f *File) Get(_ context.Context, key string) ([]byte, error) {
	path, err := f.pathFor(key)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read record %s: %w", key, err)
	}
	return data, nil
}

// Put implements Backend.
func (f *File) Put(_ context.Context, key string, value []byte) error {
	start := time.Now()
	path, err := f.pathFor(key)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return fmt.Errorf("failed to create record directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, value, recordFilePerm); err != nil {
		return fmt.Errorf("failed to write record %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp) //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("failed to commit record %s: %w", key, err)
	}

	if f.Debug {
		log.Printf("[DEBUG] Record %s written (%d bytes) in %v", key, len(value), time.Since(start))
	}
	return nil
}

// Delete implements Backend. Deleting a missing record is not an error.
func (f *File) Delete(_ context.Context, key string) error {
	path, err := f.pathFor(key)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete record %s: %w", key, err)
	}
	return nil
}

// Close implements Backend.
func (*File) Close() error { return nil }

func (f *File) pathFor(key string) (string, error) {
	parts := strings.Split(key, "/")
	segments := make([]string, 0, len(parts)+1)
	segments = append(segments, f.root)
	for _, p := range parts {
		segments = append(segments, sanitizeID(p))
	}
	path := filepath.Join(segments...) + recordExt

	// Security: Verify the path stays within the state directory
	if !strings.HasPrefix(path, f.root+string(filepath.Separator)) {
		return "", errors.New("security error: path traversal detected")
	}
	return path, nil
}

func sanitizeID(id string) string {
	for _, ch := range []string{"/", "\\", ":", "*", "?", "\"", "<", ">", "|", " "} {
		id = strings.ReplaceAll(id, ch, replacementChar)
	}
	id = strings.Trim(id, ".-")
	if id == "" {
		return "unknown"
	}
	if len(id) > maxSegmentLength {
		id = id[:maxSegmentLength]
	}
	return id
}
