package chunkuploader

import (
	"runtime"
	"time"
)

// Config holds configuration for the chunk uploader.
type Config struct {
	// Concurrency is the maximum number of parallel chunk uploads.
	// Default: min(NumCPU * 3, 20), minimum 2
	Concurrency int

	// ChunkTimeout bounds a single chunk transfer. 0 means no per-chunk timeout.
	// Default: 5 minutes
	ChunkTimeout time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:  DefaultConcurrency(),
		ChunkTimeout: 5 * time.Minute,
	}
}

// DefaultConcurrency calculates the default concurrency based on CPU count.
func DefaultConcurrency() int {
	c := runtime.NumCPU() * 3

	if c > 20 {
		c = 20
	}

	if c < 2 {
		c = 2
	}

	return c
}
