package chunkuploader

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/bitrise-io/go-chunkupload/chunk"
	"github.com/bitrise-io/go-chunkupload/network"
)

// Uploader handles parallel chunk uploads with a per-chunk timeout.
// Failed chunks are recorded, never retried, and never cancel their siblings.
type Uploader struct {
	config    Config
	transport Transport
	logger    log.Logger
	stats     *Stats
}

// New creates a new Uploader with the given configuration.
func New(config Config, transport Transport, logger log.Logger) *Uploader {
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}

	return &Uploader{
		config:    config,
		transport: transport,
		logger:    logger,
		stats:     NewStats(),
	}
}

// Stats returns the upload statistics.
func (u *Uploader) Stats() *Stats {
	return u.stats
}

// Batch collects the outcomes of the chunks submitted for one session.
type Batch struct {
	ctx        context.Context
	uploader   *Uploader
	token      string
	totalSize  int64
	numChunks  int
	onProgress ProgressFunc

	semaphore chan struct{}
	wg        sync.WaitGroup

	mu       sync.Mutex
	outcomes []Outcome
	resolved int64
}

// NewBatch starts a batch of chunk transfers for the session identified by token.
// onProgress may be nil.
func (u *Uploader) NewBatch(ctx context.Context, token string, totalSize int64, numChunks int, onProgress ProgressFunc) *Batch {
	return &Batch{
		ctx:        ctx,
		uploader:   u,
		token:      token,
		totalSize:  totalSize,
		numChunks:  numChunks,
		onProgress: onProgress,
		semaphore:  make(chan struct{}, u.config.Concurrency),
		outcomes:   make([]Outcome, 0, numChunks),
	}
}

// Submit blocks until a worker is free, then transfers c in the background.
// It only fails if the batch context is done before a worker frees up.
func (b *Batch) Submit(c chunk.Chunk) error {
	select {
	case b.semaphore <- struct{}{}:
	case <-b.ctx.Done():
		return fmt.Errorf("submit chunk %d: %w", c.Index+1, b.ctx.Err())
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() { <-b.semaphore }()

		b.record(b.uploader.transfer(b.ctx, b.token, c, b.numChunks))
	}()

	return nil
}

// Wait blocks until every submitted transfer resolved and returns the outcomes in offset order.
func (b *Batch) Wait() []Outcome {
	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()

	outcomes := append([]Outcome(nil), b.outcomes...)
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].Offset < outcomes[j].Offset })
	return outcomes
}

func (b *Batch) record(outcome Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.outcomes = append(b.outcomes, outcome)
	b.resolved += outcome.Length

	if b.onProgress != nil {
		b.onProgress(outcome, Progress{
			ResolvedBytes: b.resolved,
			TotalBytes:    b.totalSize,
			Resolved:      len(b.outcomes),
			Total:         b.numChunks,
		})
	}
}

func (u *Uploader) transfer(ctx context.Context, token string, c chunk.Chunk, totalChunks int) Outcome {
	u.logger.Debugf("Uploading chunk %d/%d (offset %d, %d bytes) [finished=%d] [avg=%v]",
		c.Index+1, totalChunks, c.Offset, c.Length(),
		u.stats.FinishedCount(), u.stats.Average().Round(time.Millisecond))

	chunkCtx, cancel := ctx, context.CancelFunc(func() {})
	if u.config.ChunkTimeout > 0 {
		chunkCtx, cancel = context.WithTimeout(ctx, u.config.ChunkTimeout)
	}
	defer cancel()

	start := time.Now()
	resp, err := u.transport.UploadChunk(chunkCtx, token, c.Offset, c.Data)
	took := time.Since(start)

	outcome := Outcome{
		Index:    c.Index,
		Offset:   c.Offset,
		Length:   c.Length(),
		Status:   resp.Status,
		Body:     resp.Body,
		Duration: took,
	}

	switch {
	case err != nil:
		if errors.Is(chunkCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("timed out after %s: %w", u.config.ChunkTimeout, err)
		}
		outcome.Err = err
		u.logger.Warnf("Chunk %d failed: %v", c.Index+1, err)
	case !network.IsSuccess(resp.Status):
		u.logger.Warnf("Chunk %d rejected: HTTP %d: %s", c.Index+1, resp.Status, resp.Body)
	default:
		u.stats.Update(took, c.Length())
		u.logger.Debugf("Chunk %d uploaded successfully in %v", c.Index+1, took.Round(time.Millisecond))
	}

	return outcome
}
