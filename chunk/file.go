package chunk

import (
	"fmt"
	"os"
)

// File is a local file opened for chunked reading.
type File struct {
	*os.File
	size int64
}

// OpenFile opens the file at path and records its size.
func OpenFile(path string) (*File, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		_ = file.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}

	return &File{File: file, size: info.Size()}, nil
}

// Size returns the file size observed when it was opened.
func (f *File) Size() int64 {
	return f.size
}

// NewReader returns a chunk Reader over the whole file.
func (f *File) NewReader(chunkSize int64) (*Reader, error) {
	return NewReader(f.File, f.size, chunkSize)
}
