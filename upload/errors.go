package upload

import (
	"errors"
	"fmt"
	"strings"
)

// ErrFileTooLarge is returned when the service's upload limit is smaller than the file.
var ErrFileTooLarge = errors.New("file exceeds the upload limit")

// ChunkFailuresError is returned when some chunks weren't stored and the session is not finalized.
type ChunkFailuresError struct {
	Failures []error
	Total    int
}

func (e *ChunkFailuresError) Error() string {
	msgs := make([]string, 0, len(e.Failures))
	for _, err := range e.Failures {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("%d of %d chunks failed: %s", len(e.Failures), e.Total, strings.Join(msgs, "; "))
}

// Unwrap returns the first failure.
func (e *ChunkFailuresError) Unwrap() error {
	if len(e.Failures) == 0 {
		return nil
	}
	return e.Failures[0]
}
