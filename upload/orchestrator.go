// Package upload drives a whole chunked upload: session, chunk transfers, checksum and finalize.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"

	"github.com/bitrise-io/go-chunkupload/checksum"
	"github.com/bitrise-io/go-chunkupload/chunk"
	"github.com/bitrise-io/go-chunkupload/chunkuploader"
	"github.com/bitrise-io/go-chunkupload/network"
)

// API is the upload service as seen by the Orchestrator.
type API interface {
	UploadLimit(ctx context.Context) (int64, error)
	StartUpload(ctx context.Context, fileSize int64) (network.Session, error)
	UploadChunk(ctx context.Context, token string, offset int64, data []byte) (network.ChunkResponse, error)
	Finalize(ctx context.Context, token, md5Hex, name string) (network.FinalizeResult, error)
	ReferenceURL(ref string) string
}

// Params describes one upload.
type Params struct {
	Source io.ReaderAt
	Size   int64
	// Name is the logical file name committed at finalize.
	Name string

	// ChunkSize defaults to chunk.DefaultSize. A chunk size advertised by the service takes precedence.
	ChunkSize    int64
	Concurrency  int
	ChunkTimeout time.Duration

	// FinalizeOnChunkFailure commits the session even if some chunks were not stored.
	FinalizeOnChunkFailure bool
	// CheckLimit queries the service's upload limit before opening a session.
	CheckLimit bool

	OnProgress chunkuploader.ProgressFunc
}

// Result is the outcome of a finished upload.
type Result struct {
	// Reference and ReferenceURL are empty if the finalize response had no usable reference.
	Reference    string
	ReferenceURL string
	// Raw is the verbatim finalize response.
	Raw            string
	FinalizeStatus int
	Digest         string
	ChunkSize      int64
	Outcomes       []chunkuploader.Outcome
}

// HasReference reports whether the service returned a reference.
func (r Result) HasReference() bool {
	return r.Reference != ""
}

// Orchestrator runs a single upload. It can't be reused.
type Orchestrator struct {
	api    API
	logger log.Logger

	mu      sync.Mutex
	state   State
	claimed bool
}

// NewOrchestrator returns an idle Orchestrator that uploads through api.
func NewOrchestrator(api API, logger log.Logger) *Orchestrator {
	return &Orchestrator{
		api:    api,
		logger: logger,
		state:  StateIdle,
	}
}

// State returns the current state of the upload.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// claim marks the Orchestrator as used. Only the first Upload call succeeds;
// a rejected call leaves the state untouched.
func (o *Orchestrator) claim() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.claimed || o.state != StateIdle {
		return fmt.Errorf("%w: upload already started (%s)", ErrInvalidTransition, o.state)
	}
	o.claimed = true
	return nil
}

func (o *Orchestrator) transition(to State) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.state.canTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.state, to)
	}
	o.logger.Debugf("Upload state: %s -> %s", o.state, to)
	o.state = to
	return nil
}

func (o *Orchestrator) fail(err error) error {
	o.logger.Errorf("Upload failed: %s", err)
	if transitionErr := o.transition(StateFailed); transitionErr != nil {
		o.logger.Debugf("%s", transitionErr)
	}
	return err
}

// Upload opens a session, transfers every chunk of params.Source and finalizes the session.
// Finalize is only called once the digest covers the whole source and every chunk outcome is known.
func (o *Orchestrator) Upload(ctx context.Context, params Params) (*Result, error) {
	if err := o.claim(); err != nil {
		return nil, err
	}
	if err := validateParams(params); err != nil {
		return nil, o.fail(err)
	}

	o.logger.TDebugf("Upload start")
	defer func() {
		o.logger.TDebugf("Upload done")
	}()

	if params.CheckLimit {
		if err := o.checkLimit(ctx, params.Size); err != nil {
			return nil, o.fail(err)
		}
	}

	o.logger.Infof("Starting upload session for %s (%s)", params.Name, humanSize(params.Size))
	session, err := o.api.StartUpload(ctx, params.Size)
	if err != nil {
		return nil, o.fail(fmt.Errorf("failed to start upload: %w", err))
	}
	if err := o.transition(StateSessionStarted); err != nil {
		return nil, o.fail(err)
	}
	o.logger.Donef("Upload session started")

	chunkSize := o.chunkSize(params.ChunkSize, session.ChunkSize)

	digest, outcomes, stats, err := o.transferChunks(ctx, params, session.Token, chunkSize)
	if err != nil {
		return nil, o.fail(err)
	}
	if err := o.transition(StateAllChunksDone); err != nil {
		return nil, o.fail(err)
	}
	o.logger.Donef("Transferred %d chunks (%s) in %s, avg %s per chunk",
		stats.FinishedCount(), humanSize(stats.TotalBytes()),
		stats.TotalDuration().Round(time.Millisecond), stats.Average().Round(time.Millisecond))

	if err := ctx.Err(); err != nil {
		return nil, o.fail(fmt.Errorf("upload cancelled before finalize: %w", err))
	}
	if err := o.checkOutcomes(outcomes, params); err != nil {
		return nil, o.fail(err)
	}

	o.logger.Infof("Finalizing upload (md5: %s)", digest)
	finalized, err := o.api.Finalize(ctx, session.Token, digest, params.Name)
	if err != nil {
		return nil, o.fail(fmt.Errorf("failed to finalize upload: %w", err))
	}
	if err := o.transition(StateFinalized); err != nil {
		return nil, o.fail(err)
	}

	result := &Result{
		Raw:            finalized.Raw,
		FinalizeStatus: finalized.Status,
		Digest:         digest,
		ChunkSize:      chunkSize,
		Outcomes:       outcomes,
	}
	if finalized.HasRef() {
		result.Reference = finalized.Ref
		result.ReferenceURL = o.api.ReferenceURL(finalized.Ref)
		o.logger.Donef("Upload finalized")
	} else {
		o.logger.Warnf("Upload finalize returned no reference (HTTP %d)", finalized.Status)
	}

	return result, nil
}

func validateParams(params Params) error {
	if params.Source == nil {
		return errors.New("source must not be nil")
	}
	if params.Size < 0 {
		return fmt.Errorf("invalid size: %d", params.Size)
	}
	if params.Name == "" {
		return errors.New("name must not be empty")
	}
	if params.ChunkSize < 0 {
		return fmt.Errorf("invalid chunk size: %d", params.ChunkSize)
	}
	return nil
}

func (o *Orchestrator) checkLimit(ctx context.Context, size int64) error {
	limit, err := o.api.UploadLimit(ctx)
	if err != nil {
		return fmt.Errorf("failed to check upload limit: %w", err)
	}
	o.logger.Debugf("Upload limit: %s", humanSize(limit))

	if limit > 0 && size > limit {
		return fmt.Errorf("%w: %s > %s", ErrFileTooLarge, humanSize(size), humanSize(limit))
	}
	return nil
}

func (o *Orchestrator) chunkSize(configured, advertised int64) int64 {
	size := configured
	if size == 0 {
		size = chunk.DefaultSize
	}
	if advertised > 0 && advertised != size {
		o.logger.Warnf("Service requires %s chunks, using it instead of %s", humanSize(advertised), humanSize(size))
		size = advertised
	}
	return size
}

// transferChunks reads the source sequentially, feeds the checksum in file order and hands every chunk to the
// uploader. It returns only after every dispatched transfer resolved, even when reading fails midway.
func (o *Orchestrator) transferChunks(ctx context.Context, params Params, token string, chunkSize int64) (string, []chunkuploader.Outcome, *chunkuploader.Stats, error) {
	reader, err := chunk.NewReader(params.Source, params.Size, chunkSize)
	if err != nil {
		return "", nil, nil, err
	}

	config := chunkuploader.DefaultConfig()
	if params.Concurrency > 0 {
		config.Concurrency = params.Concurrency
	}
	config.ChunkTimeout = params.ChunkTimeout

	uploader := chunkuploader.New(config, o.api, o.logger)
	accumulator := checksum.NewAccumulator()

	if err := o.transition(StateChunksInFlight); err != nil {
		return "", nil, nil, err
	}
	o.logger.Infof("Uploading %d chunks of %s (concurrency: %d)", reader.NumChunks(), humanSize(chunkSize), config.Concurrency)

	batch := uploader.NewBatch(ctx, token, params.Size, reader.NumChunks(), params.OnProgress)
	dispatchErr := dispatch(reader, accumulator, batch)
	outcomes := batch.Wait()

	if dispatchErr != nil {
		return "", outcomes, uploader.Stats(), dispatchErr
	}
	if accumulator.Size() != reader.TotalSize() {
		return "", outcomes, uploader.Stats(), fmt.Errorf("checksum covers %d bytes, expected %d", accumulator.Size(), reader.TotalSize())
	}

	return accumulator.Sum(), outcomes, uploader.Stats(), nil
}

func dispatch(reader *chunk.Reader, accumulator *checksum.Accumulator, batch *chunkuploader.Batch) error {
	for {
		c, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read file: %w", err)
		}

		if err := accumulator.Update(c.Offset, c.Data); err != nil {
			return err
		}
		if err := batch.Submit(c); err != nil {
			return fmt.Errorf("upload cancelled: %w", err)
		}
	}
}

func (o *Orchestrator) checkOutcomes(outcomes []chunkuploader.Outcome, params Params) error {
	if err := chunkuploader.CheckCoverage(outcomes, params.Size); err != nil {
		return fmt.Errorf("incomplete chunk outcomes: %w", err)
	}

	failures := chunkuploader.Failures(outcomes)
	if len(failures) == 0 {
		return nil
	}

	failuresErr := &ChunkFailuresError{Failures: failures, Total: len(outcomes)}
	if !params.FinalizeOnChunkFailure {
		return failuresErr
	}
	o.logger.Warnf("Finalizing despite failed chunks: %s", failuresErr)
	return nil
}

func humanSize(size int64) string {
	return units.HumanSizeWithPrecision(float64(size), 3)
}
