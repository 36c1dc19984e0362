// Package network talks to the chunked upload service.
package network

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	startPath    = "/v1/upload/start"
	chunkPath    = "/v1/upload/chunk"
	finalizePath = "/v1/upload/finalize"
	limitPath    = "/v1/upload/limit"
	rangePath    = "/v1/chunk/range"
)

// Session is an upload session issued by the server.
type Session struct {
	Token     string
	TotalSize int64
	// ChunkSize is the chunk size the server advertised, 0 if it didn't.
	ChunkSize int64
}

// ChunkResponse is the raw answer to a single chunk transfer.
type ChunkResponse struct {
	Status int
	Body   string
}

// FinalizeResult is the answer to a finalize call.
// Ref is empty when the response isn't JSON with a string `ref` field; Raw always holds the verbatim body.
type FinalizeResult struct {
	Status int
	Raw    string
	Ref    string
}

// HasRef reports whether the finalize response carried a reference.
func (r FinalizeResult) HasRef() bool {
	return r.Ref != ""
}

type finalizeRequest struct {
	MD5  string `json:"md5"`
	Name string `json:"name"`
}

type limitResponse struct {
	FileSizeLimit int64 `json:"file_size_limit"`
}

// Client calls the upload service endpoints.
type Client struct {
	httpClient *retryablehttp.Client
	baseURL    string
	logger     log.Logger
}

// NewClient creates a Client for the service at baseURL.
// retries is the number of transport level retries per request; 0 disables them.
func NewClient(baseURL string, retries int, logger log.Logger) *Client {
	httpClient := retryhttp.NewClient(logger)
	httpClient.RetryMax = retries
	return NewClientWithHTTPClient(httpClient, baseURL, logger)
}

// NewClientWithHTTPClient creates a Client using the provided retryable HTTP client.
func NewClientWithHTTPClient(httpClient *retryablehttp.Client, baseURL string, logger log.Logger) *Client {
	// Non-2xx answers are data for the caller, not errors.
	httpClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     logger,
	}
}

// ReferenceURL returns the URL the uploaded content can be retrieved from.
func (c *Client) ReferenceURL(ref string) string {
	return fmt.Sprintf("%s%s/%s", c.baseURL, rangePath, ref)
}

// StartUpload opens a new upload session for a file of fileSize bytes.
func (c *Client) StartUpload(ctx context.Context, fileSize int64) (Session, error) {
	const op = "start upload"
	apiURL := fmt.Sprintf("%s%s?file_size=%d", c.baseURL, startPath, fileSize)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, apiURL, nil)
	if err != nil {
		return Session{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Session{}, fmt.Errorf("%s: %w", op, err)
	}
	defer c.closeBody(resp.Body)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Session{}, fmt.Errorf("%s: read response: %w", op, err)
	}
	c.logger.Debugf("Start upload response: HTTP %d %s", resp.StatusCode, body)

	if !IsSuccess(resp.StatusCode) {
		return Session{}, &ProtocolError{Op: op, Status: resp.StatusCode, Body: string(body), Reason: "unexpected status"}
	}

	return parseStartResponse(body, fileSize, c.logger)
}

func parseStartResponse(body []byte, fileSize int64, logger log.Logger) (Session, error) {
	const op = "start upload"

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return Session{}, &ProtocolError{Op: op, Reason: "response is not a JSON object", Err: err}
	}

	rawToken, ok := fields["token"]
	if !ok {
		return Session{}, &ProtocolError{Op: op, Reason: "missing token"}
	}
	var value interface{}
	if err := json.Unmarshal(rawToken, &value); err != nil {
		return Session{}, &ProtocolError{Op: op, Reason: "token is not a string", Err: err}
	}
	token, ok := value.(string)
	if !ok {
		return Session{}, &ProtocolError{Op: op, Reason: "token is not a string"}
	}

	session := Session{Token: token, TotalSize: fileSize}

	if rawChunkSize, ok := fields["chunk_size"]; ok {
		if err := json.Unmarshal(rawChunkSize, &session.ChunkSize); err != nil || session.ChunkSize < 0 {
			logger.Warnf("Ignoring invalid chunk_size in start response: %s", rawChunkSize)
			session.ChunkSize = 0
		}
	}

	return session, nil
}

// UploadChunk sends the bytes located at offset. A non-2xx answer is returned as a ChunkResponse, not as an error;
// the error is only set when the transfer itself failed.
func (c *Client) UploadChunk(ctx context.Context, token string, offset int64, data []byte) (ChunkResponse, error) {
	apiURL := fmt.Sprintf("%s%s?offset=%d&token=%s", c.baseURL, chunkPath, offset, url.QueryEscape(token))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, apiURL, data)
	if err != nil {
		return ChunkResponse{}, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	// Add Content-Length header manually because retryablehttp doesn't do it automatically
	req.Header.Set("Content-Length", fmt.Sprintf("%d", len(data)))
	req.ContentLength = int64(len(data))

	dump, err := httputil.DumpRequest(req.Request, false)
	if err != nil {
		c.logger.Warnf("error while dumping request: %s", err)
	}
	c.logger.Debugf("Chunk request dump: %s", string(dump))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ChunkResponse{}, err
	}
	defer c.closeBody(resp.Body)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ChunkResponse{Status: resp.StatusCode}, fmt.Errorf("read response: %w", err)
	}
	c.logger.Debugf("Chunk response: HTTP %d %s", resp.StatusCode, body)

	return ChunkResponse{Status: resp.StatusCode, Body: string(body)}, nil
}

// Finalize commits the session with the whole-file digest and a logical file name.
// A response without a usable reference is not an error: the raw text is returned in FinalizeResult.Raw.
func (c *Client) Finalize(ctx context.Context, token, md5Hex, name string) (FinalizeResult, error) {
	apiURL := fmt.Sprintf("%s%s?token=%s", c.baseURL, finalizePath, url.QueryEscape(token))

	body, err := json.Marshal(finalizeRequest{MD5: md5Hex, Name: name})
	if err != nil {
		return FinalizeResult{}, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, apiURL, body)
	if err != nil {
		return FinalizeResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	dump, err := httputil.DumpRequest(req.Request, true)
	if err != nil {
		c.logger.Warnf("error while dumping request: %s", err)
	}
	c.logger.Debugf("Finalize request dump: %s", string(dump))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return FinalizeResult{}, fmt.Errorf("finalize upload: %w", err)
	}
	defer c.closeBody(resp.Body)

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return FinalizeResult{}, fmt.Errorf("finalize upload: read response: %w", err)
	}
	c.logger.Debugf("Finalize response: HTTP %d %s", resp.StatusCode, raw)

	result := FinalizeResult{Status: resp.StatusCode, Raw: string(raw)}
	if ref, ok := parseRef(raw); ok {
		result.Ref = ref
	} else {
		c.logger.Warnf("Finalize response doesn't contain a reference")
	}

	return result, nil
}

func parseRef(raw []byte) (string, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", false
	}
	rawRef, ok := fields["ref"]
	if !ok {
		return "", false
	}
	var value interface{}
	if err := json.Unmarshal(rawRef, &value); err != nil {
		return "", false
	}
	ref, ok := value.(string)
	return ref, ok && ref != ""
}

// UploadLimit returns the largest file size the service accepts.
func (c *Client) UploadLimit(ctx context.Context) (int64, error) {
	apiURL := fmt.Sprintf("%s%s", c.baseURL, limitPath)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return 0, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("get upload limit: %w", err)
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("get upload limit: %w", unwrapError(resp))
	}

	var response limitResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return 0, fmt.Errorf("get upload limit: decode response: %w", err)
	}

	return response.FileSizeLimit, nil
}

// CloseIdleConnections closes idle connections in the HTTP client.
func (c *Client) CloseIdleConnections() {
	c.httpClient.HTTPClient.CloseIdleConnections()
}

func (c *Client) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		c.logger.Printf(err.Error())
	}
}
