package network

import (
	"fmt"
	"io"
	"net/http"
)

// ProtocolError reports a server response that doesn't have the expected shape.
// It is fatal for the upload.
type ProtocolError struct {
	Op     string
	Status int
	Body   string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("%s: protocol error: %s", e.Op, e.Reason)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d: %s)", e.Status, e.Body)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errorResp)
}

// IsSuccess reports whether status is a 2xx code.
func IsSuccess(status int) bool {
	return status >= 200 && status < 300
}
