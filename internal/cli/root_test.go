package cli

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitrise-io/go-chunkupload/chunkuploader"
	internaltesting "github.com/bitrise-io/go-chunkupload/internal/testing"
)

func writeFile(t *testing.T, content string) string {
	pth := filepath.Join(t.TempDir(), "hello.txt")
	require.NoError(t, os.WriteFile(pth, []byte(content), 0600))
	return pth
}

func execute(t *testing.T, args ...string) (string, error) {
	cmd := NewRootCmd(env.NewRepository(), log.NewLogger())
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func outputLines(out string) []string {
	return strings.Split(strings.TrimSpace(out), "\n")
}

func TestUpload_PrintsProgressAndReference(t *testing.T) {
	service := internaltesting.NewFakeService()
	defer service.Close()

	content := "hello world!"
	pth := writeFile(t, content)

	out, err := execute(t, service.URL(), pth, "--chunk-size", "4", "--concurrency", "1")
	require.NoError(t, err)

	sum := md5.Sum([]byte(content))
	digest := hex.EncodeToString(sum[:])

	assert.Equal(t, []string{
		"204  4 12 0.3333333333333333",
		"204  8 12 0.6666666666666666",
		"204  12 12 1",
		service.URL() + "/v1/chunk/range/ref-" + digest,
	}, outputLines(out))

	requests := service.FinalizeRequests()
	require.Len(t, requests, 1)
	assert.Equal(t, "hello.txt", requests[0].Name)
	assert.Equal(t, digest, requests[0].MD5)
}

func TestUpload_NameFlag(t *testing.T) {
	service := internaltesting.NewFakeService()
	defer service.Close()

	_, err := execute(t, service.URL(), writeFile(t, "data"), "--name", "test.bin")
	require.NoError(t, err)

	requests := service.FinalizeRequests()
	require.Len(t, requests, 1)
	assert.Equal(t, "test.bin", requests[0].Name)
}

func TestUpload_PrintsRawFinalizeResponse(t *testing.T) {
	service := internaltesting.NewFakeService()
	defer service.Close()
	service.FinalizeResponse = "stored without reference"

	out, err := execute(t, service.URL(), writeFile(t, "data"))
	require.NoError(t, err)

	lines := outputLines(out)
	assert.Equal(t, "stored without reference", lines[len(lines)-1])
}

func TestUpload_FailedChunk(t *testing.T) {
	service := internaltesting.NewFakeService()
	defer service.Close()
	service.ChunkStatus = func(offset int64) int {
		if offset == 4 {
			return http.StatusInternalServerError
		}
		return 0
	}

	out, err := execute(t, service.URL(), writeFile(t, "hello world!"), "--chunk-size", "4", "--concurrency", "1")
	require.Error(t, err)
	assert.EqualError(t, err, "1 of 3 chunks failed: chunk 2 (offset 4): HTTP 500: rejected chunk 4")
	assert.Contains(t, out, "500 rejected chunk 4 8 12 0.6666666666666666")
	assert.Empty(t, service.FinalizeRequests())
}

func TestUpload_FinalizeOnChunkFailureFlag(t *testing.T) {
	service := internaltesting.NewFakeService()
	defer service.Close()
	service.ChunkStatus = func(offset int64) int {
		if offset == 0 {
			return http.StatusInternalServerError
		}
		return 0
	}

	out, err := execute(t, service.URL(), writeFile(t, "hello world!"), "--chunk-size", "4", "--finalize-on-chunk-failure")
	require.NoError(t, err)

	lines := outputLines(out)
	assert.Equal(t, "chunk at offset 4, expected 0", lines[len(lines)-1])
	assert.Len(t, service.FinalizeRequests(), 1)
}

func TestUpload_InvalidArguments(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "no server", args: []string{}, wantErr: "server should not be empty"},
		{name: "no file", args: []string{"http://localhost:1"}, wantErr: "file should not be empty"},
		{name: "missing file", args: []string{"http://localhost:1", filepath.Join(os.TempDir(), "does-not-exist.bin")}, wantErr: "file doesn't exist"},
		{name: "bad chunk size", args: []string{"http://localhost:1", "file.bin", "--chunk-size", "huge"}, wantErr: "invalid chunk size"},
		{name: "too many args", args: []string{"a", "b", "c"}, wantErr: "accepts at most 2 arg(s), received 3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestUpload_CheckLimit(t *testing.T) {
	service := internaltesting.NewFakeService()
	defer service.Close()
	service.FileSizeLimit = 4

	_, err := execute(t, service.URL(), writeFile(t, "hello world!"), "--check-limit")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file exceeds the upload limit")
	assert.Equal(t, 0, service.StartCalls())
}

func TestUpload_ServerFromEnv(t *testing.T) {
	service := internaltesting.NewFakeService()
	defer service.Close()
	t.Setenv("CHUNKUPLOAD_SERVER", service.URL())
	t.Setenv("CHUNKUPLOAD_NAME", "from-env.bin")

	cmd := NewRootCmd(env.NewRepository(), log.NewLogger())
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{})
	err := cmd.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file should not be empty")

	_, err = execute(t, service.URL(), writeFile(t, "data"))
	require.NoError(t, err)
	requests := service.FinalizeRequests()
	require.Len(t, requests, 1)
	assert.Equal(t, "from-env.bin", requests[0].Name)
}

func TestLimit(t *testing.T) {
	service := internaltesting.NewFakeService()
	defer service.Close()
	service.FileSizeLimit = 1048576

	out, err := execute(t, "limit", service.URL())
	require.NoError(t, err)
	assert.Equal(t, "1048576 (1MiB)\n", out)
}

func TestLimit_NoServer(t *testing.T) {
	_, err := execute(t, "limit")
	require.EqualError(t, err, "server should not be empty")
}

func TestProgressLine(t *testing.T) {
	progress := chunkuploader.Progress{ResolvedBytes: 5, TotalBytes: 10, Resolved: 1, Total: 2}

	ok := chunkuploader.Outcome{Status: http.StatusNoContent}
	assert.Equal(t, "204  5 10 0.5", progressLine(ok, progress))

	failed := chunkuploader.Outcome{Err: errors.New("connection refused")}
	assert.Equal(t, "0 connection refused 5 10 0.5", progressLine(failed, progress))
}
