// Package chunk splits a random-access source into fixed-size, contiguous chunks.
package chunk

import (
	"fmt"
)

// DefaultSize is the chunk size the upload service expects unless it advertises another one.
const DefaultSize int64 = 512 * 1024

// Chunk is a contiguous byte range of the source.
type Chunk struct {
	Index  int
	Offset int64
	Data   []byte
}

// Length returns the number of bytes in the chunk.
func (c Chunk) Length() int64 {
	return int64(len(c.Data))
}

// End returns the offset right after the last byte of the chunk.
func (c Chunk) End() int64 {
	return c.Offset + c.Length()
}

// ReadError is returned when the source can't provide the bytes of a chunk.
// It is fatal for the whole upload.
type ReadError struct {
	Offset int64
	Length int64
	Err    error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read chunk at offset %d (%d bytes): %s", e.Offset, e.Length, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// Count returns the number of chunks a source of totalSize bytes is split into.
func Count(totalSize, chunkSize int64) int {
	if totalSize <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((totalSize + chunkSize - 1) / chunkSize)
}

// LastSize returns the length of the final chunk.
func LastSize(totalSize, chunkSize int64) int64 {
	if totalSize <= 0 || chunkSize <= 0 {
		return 0
	}
	if rem := totalSize % chunkSize; rem != 0 {
		return rem
	}
	return chunkSize
}
