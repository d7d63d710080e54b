package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/klauspost/compress/gzip"
)

const rotateLayout = "20060102T150405.000000000Z"

// FileOptions configures a FileSink.
type FileOptions struct {
	Path     string
	MaxBytes int64
	MaxFiles int
	Compress bool
	Clock    clockwork.Clock
}

// FileSink appends one JSON object per line and rotates by size.
type FileSink struct {
	opts FileOptions

	mu   sync.Mutex
	f    *os.File
	size int64
}

// NewFileSink opens (or creates) the active file.
func NewFileSink(opts FileOptions) (*FileSink, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("audit file path is required")
	}
	if opts.MaxFiles < 1 {
		opts.MaxFiles = 1
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o750); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	s := &FileSink{opts: opts}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileSink) open() error {
	f, err := os.OpenFile(s.opts.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit file: %w", err)
	}
	s.f = f
	s.size = info.Size()
	return nil
}

// Write appends e, rotating first when the line would push the file past MaxBytes.
func (s *FileSink) Write(_ context.Context, e Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		if err := s.open(); err != nil {
			return err
		}
	}
	if s.opts.MaxBytes > 0 && s.size > 0 && s.size+int64(len(line)) > s.opts.MaxBytes {
		if err := s.rotate(); err != nil {
			return err
		}
	}
	n, err := s.f.Write(line)
	s.size += int64(n)
	return err
}

func (s *FileSink) rotate() error {
	if err := s.f.Close(); err != nil {
		return fmt.Errorf("close audit file: %w", err)
	}
	s.f = nil
	rotated := s.opts.Path + "." + s.opts.Clock.Now().UTC().Format(rotateLayout)
	if err := os.Rename(s.opts.Path, rotated); err != nil {
		return fmt.Errorf("rotate audit file: %w", err)
	}
	if s.opts.Compress {
		if err := compressFile(rotated); err != nil {
			return err
		}
	}
	if err := s.prune(); err != nil {
		return err
	}
	return s.open()
}

func compressFile(path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(path+".gz", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(out)
	if _, err := io.Copy(zw, in); err != nil {
		out.Close()
		return fmt.Errorf("compress %s: %w", path, err)
	}
	if err := zw.Close(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

// Rotated lists rotated files, newest first by modification time.
func (s *FileSink) Rotated() ([]string, error) {
	matches, err := filepath.Glob(s.opts.Path + ".*")
	if err != nil {
		return nil, err
	}
	type file struct {
		path string
		mod  int64
	}
	files := make([]file, 0, len(matches))
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		files = append(files, file{path: m, mod: info.ModTime().UnixNano()})
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].mod != files[j].mod {
			return files[i].mod > files[j].mod
		}
		return strings.Compare(files[i].path, files[j].path) > 0
	})
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.path
	}
	return out, nil
}

func (s *FileSink) prune() error {
	files, err := s.Rotated()
	if err != nil {
		return err
	}
	for _, f := range files[min(len(files), s.opts.MaxFiles):] {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("prune %s: %w", f, err)
		}
	}
	return nil
}

// Close flushes and closes the active file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
