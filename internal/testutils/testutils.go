// Package testutils provides shared test infrastructure.
package testutils

import (
	"bytes"
	"crypto/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// TestFile defines a test file with name and data.
type TestFile struct {
	Name string
	Data []byte
}

// GenerateTestData generates test data of the given size.
// For files <= 10MB, uses deterministic pattern. For larger files, uses random data.
func GenerateTestData(t *testing.T, size int64) []byte {
	t.Helper()
	data := make([]byte, size)
	if size <= 10*1024*1024 {
		for i := range data {
			data[i] = byte(i % 256)
		}
	} else {
		if _, err := rand.Read(data); err != nil {
			t.Fatalf("generate random data: %v", err)
		}
	}
	return data
}

type throttle struct {
	chunk int
	delay time.Duration
}

// FileServer serves test files, redirects and deliberately slow bodies.
type FileServer struct {
	*httptest.Server

	mu        sync.Mutex
	files     map[string][]byte
	redirects map[string]string
	throttles map[string]throttle
	lengths   map[string]int64
	statuses  map[string]int
	requests  map[string]int
	headFails bool
}

// StartFileServer starts a file server that is closed when the test ends.
func StartFileServer(t *testing.T, files ...TestFile) *FileServer {
	t.Helper()

	s := &FileServer{
		files:     make(map[string][]byte),
		redirects: make(map[string]string),
		throttles: make(map[string]throttle),
		lengths:   make(map[string]int64),
		statuses:  make(map[string]int),
		requests:  make(map[string]int),
	}
	for _, f := range files {
		s.files["/"+f.Name] = f.Data
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// AddFile serves data at /name.
func (s *FileServer) AddFile(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files["/"+name] = data
}

// AddRedirect answers /from with a 302 to location, which may be relative.
func (s *FileServer) AddRedirect(from, location string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.redirects["/"+from] = location
}

// Throttle streams /name in chunks of size bytes with delay between them.
func (s *FileServer) Throttle(name string, chunk int, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.throttles["/"+name] = throttle{chunk: chunk, delay: delay}
}

// DeclareLength makes /name advertise length instead of its real size.
func (s *FileServer) DeclareLength(name string, length int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lengths["/"+name] = length
}

// FailWith answers /name with status.
func (s *FileServer) FailWith(name string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses["/"+name] = status
}

// FailHead answers every HEAD request with 405.
func (s *FileServer) FailHead() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headFails = true
}

// FileURL returns the absolute URL of /name.
func (s *FileServer) FileURL(name string) string {
	return s.URL + "/" + name
}

// Requests returns how many GET requests /name received.
func (s *FileServer) Requests(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests["/"+name]
}

func (s *FileServer) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	path := r.URL.Path
	if r.Method == http.MethodGet {
		s.requests[path]++
	}
	location, redirect := s.redirects[path]
	status := s.statuses[path]
	data, ok := s.files[path]
	th, throttled := s.throttles[path]
	length, declared := s.lengths[path]
	headFails := s.headFails
	s.mu.Unlock()

	if redirect {
		w.Header().Set("Location", location)
		w.WriteHeader(http.StatusFound)
		return
	}
	if status != 0 {
		w.WriteHeader(status)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	if !declared {
		length = int64(len(data))
	}

	if r.Method == http.MethodHead {
		if headFails {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
		return
	}

	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	if !throttled {
		w.Write(data)
		return
	}

	flusher, _ := w.(http.Flusher)
	for off := 0; off < len(data); off += th.chunk {
		end := min(off+th.chunk, len(data))
		if _, err := w.Write(data[off:end]); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		select {
		case <-r.Context().Done():
			return
		case <-time.After(th.delay):
		}
	}
}

// CompareFileToData compares the file at path with expected.
func CompareFileToData(t *testing.T, path string, expected []byte) {
	t.Helper()

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if len(got) != len(expected) {
		t.Fatalf("size mismatch: got %d bytes, want %d", len(got), len(expected))
	}
	if !bytes.Equal(got, expected) {
		for i := range expected {
			if got[i] != expected[i] {
				t.Fatalf("data mismatch at offset %d", i)
			}
		}
	}
}

// AssertNoFile fails the test if path exists.
func AssertNoFile(t *testing.T, path string) {
	t.Helper()

	if _, err := os.Stat(path); err == nil {
		t.Errorf("expected %s to be removed", path)
	} else if !os.IsNotExist(err) {
		t.Errorf("stat %s: %v", path, err)
	}
}

// AssertNoMatch fails the test if any file matches the glob pattern.
func AssertNoMatch(t *testing.T, pattern string) {
	t.Helper()

	matches, err := filepath.Glob(pattern)
	if err != nil {
		t.Fatalf("glob %s: %v", pattern, err)
	}
	if len(matches) > 0 {
		t.Errorf("expected no files matching %s, found %v", pattern, matches)
	}
}

// Listing renders an HTML directory listing table in the style of common
// static file mirrors. Each row is name, href and size.
func Listing(rows ...[3]string) string {
	var b strings.Builder
	b.WriteString(`<html><body><table id="list"><thead><tr><th>File Name</th><th>File Size</th><th>Date</th></tr></thead><tbody>`)
	b.WriteString(`<tr><td class="link"><a href="../" title="../">Parent directory/</a></td><td class="size">-</td><td class="date">-</td></tr>`)
	for _, row := range rows {
		b.WriteString(`<tr><td class="link"><a href="` + row[1] + `" title="` + row[0] + `">` + row[0] + `</a></td>`)
		b.WriteString(`<td class="size">` + row[2] + `</td><td class="date">01-Jan-2025 00:00</td></tr>`)
	}
	b.WriteString(`</tbody></table></body></html>`)
	return b.String()
}
