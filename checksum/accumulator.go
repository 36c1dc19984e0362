// Package checksum computes the whole-file digest committed at finalize time.
package checksum

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
)

// ErrOutOfOrder is returned when bytes are fed out of file order.
var ErrOutOfOrder = errors.New("checksum input out of order")

// Accumulator streams bytes through MD5 in file order.
// It is not safe for concurrent use.
type Accumulator struct {
	hash hash.Hash
	size int64
}

// NewAccumulator returns an Accumulator that has seen no bytes.
func NewAccumulator() *Accumulator {
	return &Accumulator{hash: md5.New()}
}

// Update adds the bytes located at offset. offset must equal the number of bytes seen so far.
func (a *Accumulator) Update(offset int64, data []byte) error {
	if offset != a.size {
		return fmt.Errorf("%w: expected offset %d, got %d", ErrOutOfOrder, a.size, offset)
	}

	// hash.Hash.Write never returns an error
	_, _ = a.hash.Write(data)
	a.size += int64(len(data))

	return nil
}

// Size returns the number of bytes seen.
func (a *Accumulator) Size() int64 {
	return a.size
}

// Sum returns the lowercase hex digest over all bytes seen.
func (a *Accumulator) Sum() string {
	return hex.EncodeToString(a.hash.Sum(nil))
}
