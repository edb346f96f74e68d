package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// FileRotator is an append-only log file that is moved aside once it grows
// past its size limit. Backups are numbered path.1 (newest) to path.N,
// optionally gzip compressed.
type FileRotator struct {
	path     string
	limit    int64
	keep     int
	compress bool

	mu   sync.Mutex
	f    *os.File
	size int64
}

// NewFileRotator opens path for appending. maxSizeMB <= 0 means 20 MB;
// keep <= 0 discards the old file on rotation.
func NewFileRotator(path string, maxSizeMB int64, keep int, compress bool) (*FileRotator, error) {
	if path == "" {
		return nil, fmt.Errorf("log file path is empty")
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 20
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	r := &FileRotator{path: path, limit: maxSizeMB << 20, keep: keep, compress: compress}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRotator) open() error {
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	r.f, r.size = f, info.Size()
	return nil
}

// Write appends p, rotating first when p would push a non-empty file past
// the limit.
func (r *FileRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.f == nil {
		return 0, os.ErrClosed
	}
	if r.size > 0 && r.size+int64(len(p)) > r.limit {
		if err := r.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}
	n, err := r.f.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *FileRotator) backup(i int) string {
	name := r.path + "." + strconv.Itoa(i)
	if r.compress {
		name += ".gz"
	}
	return name
}

// rotate moves the current file aside and reopens path. The file is reopened
// even when moving it fails so that logging continues.
func (r *FileRotator) rotate() error {
	if err := r.f.Close(); err != nil {
		return err
	}
	r.f = nil

	err := r.moveAside()
	if oerr := r.open(); err == nil {
		err = oerr
	}
	return err
}

func (r *FileRotator) moveAside() error {
	if r.keep <= 0 {
		if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}

	os.Remove(r.backup(r.keep))
	for i := r.keep - 1; i >= 1; i-- {
		if err := os.Rename(r.backup(i), r.backup(i+1)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	if r.compress {
		return gzipFile(r.path, r.backup(1))
	}
	return os.Rename(r.path, r.backup(1))
}

// gzipFile compresses src into dst and removes src.
func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		in.Close()
		return err
	}
	zw := gzip.NewWriter(out)
	zw.Name = filepath.Base(src)
	_, err = io.Copy(zw, in)
	in.Close()
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst)
		return err
	}
	return os.Remove(src)
}

// Backups lists the existing backups, newest first.
func (r *FileRotator) Backups() []string {
	var out []string
	for i := 1; i <= r.keep; i++ {
		if _, err := os.Stat(r.backup(i)); err == nil {
			out = append(out, r.backup(i))
		}
	}
	return out
}

// Close closes the current file. Later writes fail with os.ErrClosed.
func (r *FileRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}
