package chunk

import (
	"errors"
	"fmt"
	"io"
)

// Reader produces the chunks of a source in ascending offset order.
// It is not safe for concurrent use: a single owner reads the source sequentially.
type Reader struct {
	src       io.ReaderAt
	totalSize int64
	chunkSize int64

	offset int64
	index  int
}

// NewReader creates a Reader over the first totalSize bytes of src.
func NewReader(src io.ReaderAt, totalSize, chunkSize int64) (*Reader, error) {
	if src == nil {
		return nil, errors.New("source must not be nil")
	}
	if totalSize < 0 {
		return nil, fmt.Errorf("invalid total size: %d", totalSize)
	}
	if chunkSize <= 0 {
		return nil, fmt.Errorf("invalid chunk size: %d", chunkSize)
	}

	return &Reader{
		src:       src,
		totalSize: totalSize,
		chunkSize: chunkSize,
	}, nil
}

// TotalSize returns the number of bytes the reader covers.
func (r *Reader) TotalSize() int64 {
	return r.totalSize
}

// NumChunks returns the total number of chunks.
func (r *Reader) NumChunks() int {
	return Count(r.totalSize, r.chunkSize)
}

// ChunkSize returns the size of the chunk at the given index.
func (r *Reader) ChunkSize(index int) int64 {
	n := r.NumChunks()
	if index < 0 || index >= n {
		return 0
	}
	if index == n-1 {
		return LastSize(r.totalSize, r.chunkSize)
	}
	return r.chunkSize
}

// Next returns the next chunk, or io.EOF once the whole source has been covered.
// Every returned chunk owns a freshly allocated buffer.
func (r *Reader) Next() (Chunk, error) {
	if r.offset >= r.totalSize {
		return Chunk{}, io.EOF
	}

	size := r.ChunkSize(r.index)
	data := make([]byte, size)
	n, err := r.src.ReadAt(data, r.offset)
	if int64(n) < size {
		if err == nil || errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Chunk{}, &ReadError{Offset: r.offset, Length: size, Err: err}
	}

	c := Chunk{Index: r.index, Offset: r.offset, Data: data}
	r.offset = c.End()
	r.index++

	return c, nil
}

// Reset rewinds the reader to the first chunk.
func (r *Reader) Reset() {
	r.offset = 0
	r.index = 0
}

// Chunks reads every remaining chunk into memory.
func (r *Reader) Chunks() ([]Chunk, error) {
	chunks := make([]Chunk, 0, r.NumChunks()-r.index)
	for {
		c, err := r.Next()
		if errors.Is(err, io.EOF) {
			return chunks, nil
		}
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
}
