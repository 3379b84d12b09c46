package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	xws "golang.org/x/net/websocket"

	"github.com/Mishiranu/Dashchan-sub007/internal/config"
	"github.com/Mishiranu/Dashchan-sub007/internal/downloader"
	chanhttp "github.com/Mishiranu/Dashchan-sub007/internal/http"
)

// captureOutput redirects the command streams for the duration of the test.
func captureOutput(t *testing.T) (out, errOut *bytes.Buffer) {
	t.Helper()
	out, errOut = new(bytes.Buffer), new(bytes.Buffer)
	oldOut, oldErr := stdout, stderr
	stdout, stderr = out, errOut
	t.Cleanup(func() { stdout, stderr = oldOut, oldErr })
	return out, errOut
}

func testPattern(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func TestRun(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want int
	}{
		{"no arguments", nil, ExitInvalidArgs},
		{"help", []string{"help"}, ExitSuccess},
		{"unknown command", []string{"scrape"}, ExitInvalidArgs},
		{"fetch without url", []string{"fetch"}, ExitInvalidArgs},
		{"fetch help", []string{"fetch", "--help"}, ExitSuccess},
		{"fetch unknown flag", []string{"fetch", "--bogus", "http://example.com"}, ExitInvalidArgs},
		{"fetch bad range", []string{"fetch", "--range", "5-1", "http://example.com"}, ExitInvalidArgs},
		{"fetch bad header", []string{"fetch", "-H", "NoColon", "http://example.com"}, ExitInvalidArgs},
		{"post file with urlencoded", []string{"post", "--urlencoded", "--file", "f=x", "http://example.com"}, ExitInvalidArgs},
		{"post missing file", []string{"post", "--file", "f=/nonexistent/file.png", "http://example.com"}, ExitInvalidArgs},
		{"mirror without bucket", []string{"mirror", "http://example.com/a.webm"}, ExitInvalidArgs},
		{"mirror bad chunk size", []string{"mirror", "--bucket", "mem://", "--chunk-size", "lots", "http://example.com/a.webm"}, ExitInvalidArgs},
		{"mirror without file name", []string{"mirror", "--bucket", "mem://", "http://example.com/"}, ExitInvalidArgs},
		{"mirror bad bucket", []string{"mirror", "--bucket", "nope://x", "http://example.com/a.webm"}, ExitStorageError},
		{"ws without url", []string{"ws"}, ExitInvalidArgs},
		{"config invalid log level", []string{"config", "--log-level", "loud"}, ExitValidationFailed},
		{"config extra argument", []string{"config", "extra"}, ExitInvalidArgs},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			captureOutput(t)
			if got := run(tt.args); got != tt.want {
				t.Errorf("run(%q) = %d, want %d", tt.args, got, tt.want)
			}
		})
	}
}

func TestFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Board") != "b" {
			http.Error(w, "missing board", http.StatusBadRequest)
			return
		}
		fmt.Fprintf(w, "cookie=%s ua=%s", r.Header.Get("Cookie"), r.Header.Get("User-Agent"))
	}))
	defer server.Close()

	_, errOut := captureOutput(t)
	output := filepath.Join(t.TempDir(), "thread.txt")
	code := run([]string{"fetch",
		"-H", "X-Board: b",
		"-b", "a=1", "-b", "b=2",
		"-A", "TestAgent/1.0",
		"-o", output,
		server.URL + "/b/res/1.json",
	})
	require.Equal(t, ExitSuccess, code, errOut.String())

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, "cookie=a=1; b=2 ua=TestAgent/1.0", string(data))
	assert.Contains(t, errOut.String(), "[dashchan] Saved")
}

func TestFetchStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "thread archived", http.StatusNotFound)
	}))
	defer server.Close()

	out, _ := captureOutput(t)
	if code := run([]string{"fetch", server.URL}); code != ExitHTTPStatus {
		t.Errorf("expected exit code %d, got %d", ExitHTTPStatus, code)
	}

	out.Reset()
	if code := run([]string{"fetch", "--allow-error", server.URL}); code != ExitSuccess {
		t.Fatalf("expected success with --allow-error, got %d", code)
	}
	if !strings.Contains(out.String(), "thread archived") {
		t.Errorf("expected error body, got %q", out.String())
	}
}

func TestFetchRangeAndHead(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Posts", "42")
		http.ServeContent(w, r, "file.txt", time.Time{}, strings.NewReader("abcdefgh"))
	}))
	defer server.Close()

	out, errOut := captureOutput(t)
	if code := run([]string{"fetch", "--range", "2-4", server.URL}); code != ExitSuccess {
		t.Fatalf("fetch range failed with %d: %s", code, errOut.String())
	}
	assert.Equal(t, "cde", out.String())

	out.Reset()
	errOut.Reset()
	if code := run([]string{"fetch", "-I", server.URL}); code != ExitSuccess {
		t.Fatalf("fetch head failed with %d: %s", code, errOut.String())
	}
	assert.Empty(t, out.String())
	assert.Contains(t, errOut.String(), "200 OK")
	assert.Contains(t, errOut.String(), "X-Posts: 42")
}

func TestFetchText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=windows-1251")
		w.Write([]byte{0xcf, 0xf0, 0xe8, 0xe2, 0xe5, 0xf2})
	}))
	defer server.Close()

	out, _ := captureOutput(t)
	if code := run([]string{"fetch", "--text", server.URL}); code != ExitSuccess {
		t.Fatalf("fetch failed with %d", code)
	}
	assert.Equal(t, "Привет", out.String())
}

func TestFetchValidator(t *testing.T) {
	var full atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"thread-7"`)
		if r.Header.Get("If-None-Match") == "" {
			full.Add(1)
		}
		http.ServeContent(w, r, "7.json", time.Unix(1700000000, 0), strings.NewReader(`{"posts":[]}`))
	}))
	defer server.Close()

	dir := t.TempDir()
	validator := filepath.Join(dir, "7.validator")
	output := filepath.Join(dir, "7.json")
	args := []string{"fetch", "--validator", validator, "-o", output, server.URL + "/7.json"}

	_, errOut := captureOutput(t)
	require.Equal(t, ExitSuccess, run(args), errOut.String())
	_, err := os.Stat(validator)
	require.NoError(t, err, "validator file")

	errOut.Reset()
	require.Equal(t, ExitSuccess, run(args), errOut.String())
	assert.Contains(t, errOut.String(), "[dashchan] Not modified")
	assert.Equal(t, int32(1), full.Load())

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, `{"posts":[]}`, string(data))
}

func TestFetchConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	uri := server.URL
	server.Close()

	captureOutput(t)
	if code := run([]string{"fetch", "--attempts", "1", uri}); code != ExitSourceNotAccess {
		t.Errorf("expected exit code %d, got %d", ExitSourceNotAccess, code)
	}
}

func TestPostMultipart(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		file, header, err := r.FormFile("upfile")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		fmt.Fprintf(w, "%s|%s|%s|%s|%d", r.Method, r.FormValue("name"), r.FormValue("com"), header.Filename, len(data))
	}))
	defer server.Close()

	path := filepath.Join(t.TempDir(), "image.png")
	require.NoError(t, os.WriteFile(path, testPattern(5000), 0644))

	out, errOut := captureOutput(t)
	code := run([]string{"post",
		"-F", "name=Anonymous",
		"-F", "com=hello world",
		"--file", "upfile=" + path,
		"--progress",
		server.URL + "/post",
	})
	require.Equal(t, ExitSuccess, code, errOut.String())
	assert.Equal(t, "POST|Anonymous|hello world|image.png|5000", out.String())
	assert.Contains(t, errOut.String(), "[dashchan] Uploading:")
}

func TestPostURLEncodedAndRaw(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		fmt.Fprintf(w, "%s %s", r.Header.Get("Content-Type"), body)
	}))
	defer server.Close()

	tests := []struct {
		name string
		args []string
		want string
	}{
		{
			name: "urlencoded",
			args: []string{"--urlencoded", "-F", "task=post", "-F", "com=a b&c"},
			want: "application/x-www-form-urlencoded task=post&com=a+b%26c",
		},
		{
			name: "raw",
			args: []string{"-d", `{"thread":1}`, "--content-type", "application/json"},
			want: `application/json {"thread":1}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, errOut := captureOutput(t)
			args := append([]string{"post"}, tt.args...)
			args = append(args, server.URL)
			require.Equal(t, ExitSuccess, run(args), errOut.String())
			assert.Equal(t, tt.want, out.String())
		})
	}
}

func TestMirror(t *testing.T) {
	data := testPattern(10*1024 + 7)
	var ranges atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" {
			ranges.Add(1)
		}
		w.Header().Set("ETag", `"clip-1"`)
		http.ServeContent(w, r, "clip.webm", time.Unix(1700000000, 0), bytes.NewReader(data))
	}))
	defer server.Close()

	dir := t.TempDir()
	args := []string{"mirror",
		"--bucket", "file://" + dir,
		"--workers", "3",
		"--chunk-size", "4KiB",
		server.URL + "/src/clip.webm",
	}

	_, errOut := captureOutput(t)
	require.Equal(t, ExitSuccess, run(args), errOut.String())
	assert.Contains(t, errOut.String(), "(3 chunks)")
	assert.Equal(t, int32(3), ranges.Load())

	got, err := os.ReadFile(filepath.Join(dir, "clip.webm"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(got, data), "mirrored data mismatch")

	errOut.Reset()
	require.Equal(t, ExitSuccess, run(args), errOut.String())
	assert.Contains(t, errOut.String(), "[dashchan] Up to date: clip.webm")
	assert.Equal(t, int32(3), ranges.Load())
}

func TestMirrorServerErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		http.ServeContent(w, r, "big.webm", time.Time{}, bytes.NewReader(testPattern(8192)))
	}))
	defer server.Close()

	_, errOut := captureOutput(t)
	code := run([]string{"mirror",
		"--bucket", "file://" + t.TempDir(),
		"--object", "media/big.webm",
		"--workers", "1",
		"--chunk-size", "1KiB",
		"--max-failures", "2",
		"--attempts", "1",
		server.URL,
	})
	assert.Equal(t, ExitHTTPStatus, code)
	assert.Contains(t, errOut.String(), "circuit breaker tripped")
}

func TestWebSocket(t *testing.T) {
	server := httptest.NewServer(xws.Handler(func(c *xws.Conn) {
		for {
			var msg string
			if err := xws.Message.Receive(c, &msg); err != nil {
				return
			}
			if err := xws.Message.Send(c, "echo: "+msg); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	out, errOut := captureOutput(t)
	oldIn := stdin
	stdin = strings.NewReader("third\n")
	defer func() { stdin = oldIn }()

	code := run([]string{"ws",
		"--send", "first",
		"--send", "second",
		"--stdin",
		"--count", "3",
		"--wait", "5s",
		"ws" + strings.TrimPrefix(server.URL, "http") + "/live",
	})
	require.Equal(t, ExitSuccess, code, errOut.String())
	assert.Equal(t, "echo: first\necho: second\necho: third\n", out.String())
}

func TestWebSocketWaitExpires(t *testing.T) {
	server := httptest.NewServer(xws.Handler(func(c *xws.Conn) {
		io.Copy(io.Discard, c)
	}))
	defer server.Close()

	_, errOut := captureOutput(t)
	start := time.Now()
	code := run([]string{"ws", "--wait", "200ms", "ws" + strings.TrimPrefix(server.URL, "http")})
	require.Equal(t, ExitSuccess, code, errOut.String())
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestWebSocketRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "banned", http.StatusForbidden)
	}))
	defer server.Close()

	captureOutput(t)
	code := run([]string{"ws", "ws" + strings.TrimPrefix(server.URL, "http")})
	assert.Equal(t, ExitHTTPStatus, code)
}

func TestConfigCommand(t *testing.T) {
	t.Setenv("DASHCHAN_MAX_ATTEMPTS", "3")

	out, errOut := captureOutput(t)
	require.Equal(t, ExitSuccess, run([]string{"config", "--read-timeout", "45s", "--proxy", "socks://127.0.0.1:9050"}), errOut.String())
	assert.Contains(t, out.String(), "max_attempts: 3")
	assert.Contains(t, out.String(), "read_timeout: 45s")
	assert.Contains(t, out.String(), "host: 127.0.0.1")

	path := filepath.Join(t.TempDir(), "dashchan.yaml")
	require.NoError(t, os.WriteFile(path, out.Bytes(), 0644))

	cfg, err := config.LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.ReadTimeout)
	assert.Equal(t, config.ProxyConfig{Type: "socks", Host: "127.0.0.1", Port: 9050}, cfg.Proxy)

	out.Reset()
	require.Equal(t, ExitSuccess, run([]string{"config", "-q", "-c", path}), errOut.String())
	assert.Empty(t, out.String())
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"interrupted", chanhttp.InterruptedError(nil), ExitInterrupted},
		{"context canceled", fmt.Errorf("mirror: %w", context.Canceled), ExitInterrupted},
		{"status", chanhttp.StatusError(404, "Not Found"), ExitHTTPStatus},
		{"wrapped status", fmt.Errorf("chunk 3: %w", chanhttp.StatusError(503, "")), ExitHTTPStatus},
		{"connect timeout", chanhttp.NewError(chanhttp.ErrorConnectTimeout, nil), ExitSourceNotAccess},
		{"certificate", chanhttp.NewError(chanhttp.ErrorInvalidCertificate, nil), ExitSourceNotAccess},
		{"unsafe redirect", chanhttp.PolicyError(chanhttp.ErrorUnsafeRedirect), ExitPolicy},
		{"relay block", chanhttp.PolicyError(chanhttp.ErrorRelayBlock), ExitPolicy},
		{"invalid response", chanhttp.NewError(chanhttp.ErrorInvalidResponse, nil), ExitInvalidResponse},
		{"circuit breaker", &downloader.CircuitBreakerError{
			ConsecutiveFailures: 2,
			FailedChunks:        []downloader.FailedChunk{{Index: 1, Error: chanhttp.StatusError(500, "")}},
		}, ExitHTTPStatus},
		{"empty circuit breaker", &downloader.CircuitBreakerError{}, ExitSourceNotAccess},
		{"other", errors.New("disk full"), ExitGeneralError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestParseProxy(t *testing.T) {
	tests := []struct {
		raw     string
		want    config.ProxyConfig
		wantErr bool
	}{
		{"127.0.0.1:8080", config.ProxyConfig{Type: "http", Host: "127.0.0.1", Port: 8080}, false},
		{"socks://tor.local:9050", config.ProxyConfig{Type: "socks", Host: "tor.local", Port: 9050}, false},
		{"http://[::1]:3128", config.ProxyConfig{Type: "http", Host: "::1", Port: 3128}, false},
		{"proxy.local", config.ProxyConfig{}, true},
		{"http://proxy.local:port", config.ProxyConfig{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := parseProxy(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseProxy(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parseProxy(%q) = %+v, want %+v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestParseRange(t *testing.T) {
	tests := []struct {
		input      string
		start, end int64
		wantErr    bool
	}{
		{"0-99", 0, 99, false},
		{"100-", 100, -1, false},
		{"5-5", 5, 5, false},
		{"5-1", 0, 0, true},
		{"-5", 0, 0, true},
		{"abc", 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			start, end, err := parseRange(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseRange(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && (start != tt.start || end != tt.end) {
				t.Errorf("parseRange(%q) = %d, %d, want %d, %d", tt.input, start, end, tt.start, tt.end)
			}
		})
	}
}
