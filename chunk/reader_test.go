package chunk

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testData(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func TestReader_Chunks(t *testing.T) {
	tests := []struct {
		name        string
		totalSize   int64
		chunkSize   int64
		wantOffsets []int64
		wantLengths []int64
	}{
		{
			name:      "empty source",
			totalSize: 0,
			chunkSize: DefaultSize,
		},
		{
			name:        "exactly two chunks",
			totalSize:   1048576,
			chunkSize:   DefaultSize,
			wantOffsets: []int64{0, 524288},
			wantLengths: []int64{524288, 524288},
		},
		{
			name:        "short last chunk",
			totalSize:   700000,
			chunkSize:   DefaultSize,
			wantOffsets: []int64{0, 524288},
			wantLengths: []int64{524288, 175712},
		},
		{
			name:        "smaller than a chunk",
			totalSize:   10,
			chunkSize:   DefaultSize,
			wantOffsets: []int64{0},
			wantLengths: []int64{10},
		},
		{
			name:        "one byte chunks",
			totalSize:   3,
			chunkSize:   1,
			wantOffsets: []int64{0, 1, 2},
			wantLengths: []int64{1, 1, 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := testData(int(tt.totalSize))
			reader, err := NewReader(bytes.NewReader(data), tt.totalSize, tt.chunkSize)
			require.NoError(t, err)

			chunks, err := reader.Chunks()
			require.NoError(t, err)
			require.Len(t, chunks, len(tt.wantOffsets))
			assert.Equal(t, len(tt.wantOffsets), reader.NumChunks())

			var joined []byte
			for i, c := range chunks {
				assert.Equal(t, i, c.Index)
				assert.Equal(t, tt.wantOffsets[i], c.Offset)
				assert.Equal(t, tt.wantLengths[i], c.Length())
				assert.Equal(t, tt.wantLengths[i], reader.ChunkSize(i))
				joined = append(joined, c.Data...)
			}
			assert.Equal(t, len(data), len(joined))
			assert.True(t, bytes.Equal(data, joined))
		})
	}
}

func TestReader_CoversSourceForAllSizes(t *testing.T) {
	for _, chunkSize := range []int64{1, 2, 3, 7, 16} {
		for totalSize := int64(0); totalSize <= 50; totalSize++ {
			reader, err := NewReader(bytes.NewReader(testData(int(totalSize))), totalSize, chunkSize)
			require.NoError(t, err)
			require.Equal(t, totalSize, reader.TotalSize())

			chunks, err := reader.Chunks()
			require.NoError(t, err)

			if len(chunks) > 0 {
				require.Equal(t, totalSize, chunks[len(chunks)-1].End(), "S=%d C=%d", totalSize, chunkSize)
			}

			var sum int64
			for i, c := range chunks {
				require.Equal(t, int64(i)*chunkSize, c.Offset, "S=%d C=%d", totalSize, chunkSize)
				sum += c.Length()
			}
			require.Equal(t, totalSize, sum, "S=%d C=%d", totalSize, chunkSize)

			if totalSize == 0 {
				require.Empty(t, chunks)
				continue
			}
			wantLast := totalSize % chunkSize
			if wantLast == 0 {
				wantLast = chunkSize
			}
			require.Equal(t, wantLast, chunks[len(chunks)-1].Length(), "S=%d C=%d", totalSize, chunkSize)
		}
	}
}

func TestReader_Reset(t *testing.T) {
	data := testData(1000)
	reader, err := NewReader(bytes.NewReader(data), int64(len(data)), 300)
	require.NoError(t, err)

	first, err := reader.Chunks()
	require.NoError(t, err)

	_, err = reader.Next()
	require.True(t, errors.Is(err, io.EOF))

	reader.Reset()
	second, err := reader.Chunks()
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestReader_ShortRead(t *testing.T) {
	data := testData(100)
	reader, err := NewReader(bytes.NewReader(data), 150, 64)
	require.NoError(t, err)

	_, err = reader.Next()
	require.NoError(t, err)

	_, err = reader.Next()
	require.Error(t, err)

	var readErr *ReadError
	require.True(t, errors.As(err, &readErr))
	assert.Equal(t, int64(64), readErr.Offset)
	assert.Equal(t, int64(64), readErr.Length)
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
}

type failingReaderAt struct{}

func (failingReaderAt) ReadAt(p []byte, off int64) (int, error) {
	return 0, errors.New("disk on fire")
}

func TestReader_FailedRead(t *testing.T) {
	reader, err := NewReader(failingReaderAt{}, 10, 4)
	require.NoError(t, err)

	_, err = reader.Next()
	var readErr *ReadError
	require.True(t, errors.As(err, &readErr))
	assert.EqualError(t, err, "read chunk at offset 0 (4 bytes): disk on fire")
}

func TestNewReader_InvalidArguments(t *testing.T) {
	_, err := NewReader(nil, 10, 4)
	assert.Error(t, err)

	_, err = NewReader(bytes.NewReader(nil), -1, 4)
	assert.Error(t, err)

	_, err = NewReader(bytes.NewReader(nil), 10, 0)
	assert.Error(t, err)
}

func TestOpenFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "payload.bin")
	data := testData(1500)
	require.NoError(t, os.WriteFile(path, data, 0600))

	file, err := OpenFile(path)
	require.NoError(t, err)
	defer file.Close() //nolint:errcheck

	assert.Equal(t, int64(1500), file.Size())

	reader, err := file.NewReader(1024)
	require.NoError(t, err)
	chunks, err := reader.Chunks()
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, int64(476), chunks[1].Length())

	_, err = OpenFile(dir)
	assert.Error(t, err)

	_, err = OpenFile(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
