// Package chunkuploader transfers the chunks of an upload session in parallel, over a bounded number of workers.
package chunkuploader

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/bitrise-io/go-chunkupload/network"
)

// Transport sends a single chunk to the upload service.
type Transport interface {
	UploadChunk(ctx context.Context, token string, offset int64, data []byte) (network.ChunkResponse, error)
}

// Outcome is the result of transferring a single chunk.
type Outcome struct {
	Index    int
	Offset   int64
	Length   int64
	Status   int
	Body     string
	Err      error
	Duration time.Duration
}

// Failed reports whether the transfer failed or the service didn't accept the chunk.
func (o Outcome) Failed() bool {
	return o.Err != nil || !network.IsSuccess(o.Status)
}

// TransferError returns a *ChunkTransferError for failed outcomes and nil otherwise.
func (o Outcome) TransferError() error {
	if !o.Failed() {
		return nil
	}
	return &ChunkTransferError{
		Index:  o.Index,
		Offset: o.Offset,
		Status: o.Status,
		Body:   o.Body,
		Err:    o.Err,
	}
}

// ChunkTransferError describes a chunk the service didn't store.
type ChunkTransferError struct {
	Index  int
	Offset int64
	Status int
	Body   string
	Err    error
}

func (e *ChunkTransferError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("chunk %d (offset %d): %s", e.Index+1, e.Offset, e.Err)
	}
	return fmt.Sprintf("chunk %d (offset %d): HTTP %d: %s", e.Index+1, e.Offset, e.Status, e.Body)
}

func (e *ChunkTransferError) Unwrap() error {
	return e.Err
}

// Progress is a snapshot of a batch taken when a chunk resolves.
type Progress struct {
	// ResolvedBytes is the sum of the lengths of resolved chunks, failed ones included.
	ResolvedBytes int64
	TotalBytes    int64
	Resolved      int
	Total         int
}

// Fraction returns the resolved share of the total bytes, 1 for an empty upload.
func (p Progress) Fraction() float64 {
	if p.TotalBytes == 0 {
		return 1
	}
	return float64(p.ResolvedBytes) / float64(p.TotalBytes)
}

// ProgressFunc is called once per resolved chunk. Calls are serialized.
type ProgressFunc func(Outcome, Progress)

// Failures returns the transfer errors of the failed outcomes.
func Failures(outcomes []Outcome) []error {
	var errs []error
	for _, o := range outcomes {
		if err := o.TransferError(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// CheckCoverage verifies that the outcomes span [0, totalSize) exactly once.
func CheckCoverage(outcomes []Outcome, totalSize int64) error {
	sorted := append([]Outcome(nil), outcomes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	var next int64
	for _, o := range sorted {
		if o.Length <= 0 {
			return fmt.Errorf("chunk %d has invalid length %d", o.Index+1, o.Length)
		}
		if o.Offset < next {
			return fmt.Errorf("chunk %d overlaps: offset %d, expected %d", o.Index+1, o.Offset, next)
		}
		if o.Offset > next {
			return fmt.Errorf("gap before chunk %d: offset %d, expected %d", o.Index+1, o.Offset, next)
		}
		next = o.Offset + o.Length
	}
	if next != totalSize {
		return fmt.Errorf("outcomes cover %d bytes, expected %d", next, totalSize)
	}
	return nil
}
