// Package artifacts stores task output files (compiled hex, schematic,
// source) on the local filesystem, write-once per (task, kind).
package artifacts

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when no artifact exists for the task and kind.
	ErrNotFound = errors.New("artifact not found")

	// ErrExists is returned when an artifact kind is written twice for a task.
	ErrExists = errors.New("artifact already exists")
)

// kindPattern keeps artifact kinds usable as file names.
var kindPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// extensions maps artifact kinds to on-disk file extensions.
var extensions = map[string]string{
	"hex":       ".hex",
	"schematic": ".dsn",
	"netlist":   ".json",
	"source":    ".c",
}

// Store keeps artifacts under root/<task-id>/<kind><ext>. References
// handed back to callers are relative paths under root, so the root can
// move without invalidating recorded references.
type Store struct {
	root   string
	logger *zap.Logger
}

// NewStore creates the root directory if needed.
func NewStore(root string, logger *zap.Logger) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("artifact root cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("creating artifact root: %w", err)
	}
	return &Store{root: root, logger: logger}, nil
}

// Put stores data write-once and returns the artifact reference.
// The write is atomic: a temp file renamed into place.
func (s *Store) Put(taskID, kind string, data []byte) (string, error) {
	ref, err := s.ref(taskID, kind)
	if err != nil {
		return "", err
	}
	path := filepath.Join(s.root, ref)

	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("%w: task %s kind %s", ErrExists, taskID, kind)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", fmt.Errorf("creating artifact directory: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return "", fmt.Errorf("writing artifact: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("publishing artifact: %w", err)
	}

	s.logger.Debug("artifact stored",
		zap.String("task.id", taskID),
		zap.String("kind", kind),
		zap.Int("bytes", len(data)))
	return ref, nil
}

// Get reads an artifact back by task and kind.
func (s *Store) Get(taskID, kind string) ([]byte, error) {
	ref, err := s.ref(taskID, kind)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.root, ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: task %s kind %s", ErrNotFound, taskID, kind)
		}
		return nil, fmt.Errorf("reading artifact: %w", err)
	}
	return data, nil
}

// Open returns the artifact stored at a previously returned reference.
func (s *Store) Open(ref string) ([]byte, error) {
	clean := filepath.Clean(ref)
	if clean != ref || filepath.IsAbs(clean) || clean == ".." ||
		len(clean) >= 3 && clean[:3] == ".."+string(filepath.Separator) {
		return nil, fmt.Errorf("invalid artifact reference %q", ref)
	}
	data, err := os.ReadFile(filepath.Join(s.root, clean))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, fmt.Errorf("reading artifact: %w", err)
	}
	return data, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// Path resolves a reference to the absolute file path, for callers that
// hand artifacts to external tools.
func (s *Store) Path(ref string) (string, error) {
	clean := filepath.Clean(ref)
	if clean != ref || filepath.IsAbs(clean) || clean == ".." ||
		len(clean) >= 3 && clean[:3] == ".."+string(filepath.Separator) {
		return "", fmt.Errorf("invalid artifact reference %q", ref)
	}
	return filepath.Join(s.root, clean), nil
}

// Ref returns the reference Put would use for taskID and kind.
func (s *Store) Ref(taskID, kind string) (string, error) {
	return s.ref(taskID, kind)
}

func (s *Store) ref(taskID, kind string) (string, error) {
	if taskID == "" || filepath.Base(taskID) != taskID {
		return "", fmt.Errorf("invalid task id %q", taskID)
	}
	if !kindPattern.MatchString(kind) {
		return "", fmt.Errorf("invalid artifact kind %q", kind)
	}
	// Versioned kinds like "hex-3f2a" take the base kind's extension.
	base := kind
	if i := strings.IndexByte(kind, '-'); i > 0 {
		base = kind[:i]
	}
	ext := extensions[base]
	if ext == "" {
		ext = ".bin"
	}
	return filepath.Join(taskID, kind+ext), nil
}
