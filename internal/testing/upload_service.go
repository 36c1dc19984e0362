package testing

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"time"
)

// FinalizeRequest is a finalize call received by the FakeService.
type FinalizeRequest struct {
	Token string `json:"-"`
	MD5   string `json:"md5"`
	Name  string `json:"name"`
}

// FakeService is an in-process implementation of the chunked upload API.
// Exported hook fields must be set before the first request is sent.
type FakeService struct {
	Server *httptest.Server

	Token               string
	AdvertisedChunkSize int64
	FileSizeLimit       int64

	// StartResponse overrides the JSON body of the start endpoint when not empty.
	StartResponse string
	// ChunkStatus overrides the status of a chunk request when it returns non-zero.
	ChunkStatus func(offset int64) int
	// ChunkDelay delays the answer of a chunk request.
	ChunkDelay func(offset int64) time.Duration
	// FinalizeResponse overrides the body of the finalize endpoint when not empty.
	FinalizeResponse string

	mu               sync.Mutex
	chunks           map[int64][]byte
	startCalls       int
	chunkCalls       int
	declaredSize     int64
	finalizeRequests []FinalizeRequest
	inFlight         int
	maxInFlight      int
}

// NewFakeService starts a FakeService on a local listener.
func NewFakeService() *FakeService {
	s := &FakeService{
		Token:  "test-token",
		chunks: map[int64][]byte{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/upload/start", s.handleStart)
	mux.HandleFunc("/v1/upload/chunk", s.handleChunk)
	mux.HandleFunc("/v1/upload/finalize", s.handleFinalize)
	mux.HandleFunc("/v1/upload/limit", s.handleLimit)
	s.Server = httptest.NewServer(mux)

	return s
}

// URL returns the base URL of the service.
func (s *FakeService) URL() string {
	return s.Server.URL
}

// Close shuts the service down.
func (s *FakeService) Close() {
	s.Server.Close()
}

// StartCalls returns the number of start requests received.
func (s *FakeService) StartCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startCalls
}

// ChunkCalls returns the number of chunk requests received.
func (s *FakeService) ChunkCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunkCalls
}

// DeclaredSize returns the file_size sent to the start endpoint.
func (s *FakeService) DeclaredSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.declaredSize
}

// MaxInFlight returns the highest number of concurrent chunk requests observed.
func (s *FakeService) MaxInFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInFlight
}

// FinalizeRequests returns the finalize calls received.
func (s *FakeService) FinalizeRequests() []FinalizeRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]FinalizeRequest(nil), s.finalizeRequests...)
}

// Offsets returns the offsets of the stored chunks in ascending order.
func (s *FakeService) Offsets() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offsets()
}

// Assembled concatenates the stored chunks, failing if they aren't contiguous from offset 0.
func (s *FakeService) Assembled() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assembled()
}

func (s *FakeService) offsets() []int64 {
	offsets := make([]int64, 0, len(s.chunks))
	for offset := range s.chunks {
		offsets = append(offsets, offset)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	return offsets
}

func (s *FakeService) assembled() ([]byte, error) {
	var data []byte
	for _, offset := range s.offsets() {
		if offset != int64(len(data)) {
			return nil, fmt.Errorf("chunk at offset %d, expected %d", offset, len(data))
		}
		data = append(data, s.chunks[offset]...)
	}
	return data, nil
}

func (s *FakeService) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	size, err := strconv.ParseInt(r.URL.Query().Get("file_size"), 10, 64)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("invalid file_size"))
		return
	}

	s.mu.Lock()
	s.startCalls++
	s.declaredSize = size
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if s.StartResponse != "" {
		_, _ = w.Write([]byte(s.StartResponse))
		return
	}

	body := map[string]interface{}{"token": s.Token}
	if s.AdvertisedChunkSize > 0 {
		body["chunk_size"] = s.AdvertisedChunkSize
	}
	_ = json.NewEncoder(w).Encode(body)
}

func (s *FakeService) handleChunk(w http.ResponseWriter, r *http.Request) {
	offset, err := strconv.ParseInt(r.URL.Query().Get("offset"), 10, 64)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("invalid offset"))
		return
	}

	s.mu.Lock()
	s.chunkCalls++
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	data, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if s.ChunkDelay != nil {
		select {
		case <-time.After(s.ChunkDelay(offset)):
		case <-r.Context().Done():
			return
		}
	}

	if r.URL.Query().Get("token") != s.Token {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("invalid token"))
		return
	}
	if s.AdvertisedChunkSize > 0 && offset%s.AdvertisedChunkSize != 0 {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = fmt.Fprintf(w, "offset should be divided by %d", s.AdvertisedChunkSize)
		return
	}
	if s.ChunkStatus != nil {
		if status := s.ChunkStatus(offset); status != 0 {
			w.WriteHeader(status)
			_, _ = fmt.Fprintf(w, "rejected chunk %d", offset)
			return
		}
	}

	s.mu.Lock()
	s.chunks[offset] = data
	s.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func (s *FakeService) handleFinalize(w http.ResponseWriter, r *http.Request) {
	var req FinalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("invalid body"))
		return
	}
	req.Token = r.URL.Query().Get("token")

	s.mu.Lock()
	s.finalizeRequests = append(s.finalizeRequests, req)
	data, assembleErr := s.assembled()
	s.mu.Unlock()

	if s.FinalizeResponse != "" {
		_, _ = w.Write([]byte(s.FinalizeResponse))
		return
	}

	if req.Token != s.Token {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("invalid token"))
		return
	}
	if assembleErr != nil {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(assembleErr.Error()))
		return
	}
	sum := md5.Sum(data)
	if hex.EncodeToString(sum[:]) != req.MD5 {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("md5 mismatch"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"ref": "ref-" + req.MD5})
}

func (s *FakeService) handleLimit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int64{"file_size_limit": s.FileSizeLimit})
}
