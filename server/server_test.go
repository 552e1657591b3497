package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teilomillet/preamble/config"
	"github.com/teilomillet/preamble/server/mocks"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

// fakeUpstream records chat completion bodies and answers with a fixed
// response.
type fakeUpstream struct {
	*httptest.Server

	mu     sync.Mutex
	bodies []string

	status      int
	contentType string
	response    string
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	u := &fakeUpstream{
		status:      http.StatusOK,
		contentType: "application/json",
		response:    `{"id":"chatcmpl-1","object":"chat.completion"}`,
	}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		u.mu.Lock()
		u.bodies = append(u.bodies, string(data))
		status, contentType, response := u.status, u.contentType, u.response
		u.mu.Unlock()

		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(status)
		_, _ = io.WriteString(w, response)
	}))
	t.Cleanup(u.Close)
	return u
}

func (u *fakeUpstream) respond(status int, contentType, body string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.status, u.contentType, u.response = status, contentType, body
}

func (u *fakeUpstream) received() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.bodies...)
}

type gateway struct {
	*httptest.Server
	server   *Server
	upstream *fakeUpstream
	dir      string
}

func newGateway(t *testing.T) *gateway {
	t.Helper()
	upstream := newFakeUpstream(t)
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Instruction.Dir = dir
	cfg.Backend.Upstream.BaseURL = upstream.URL

	s, err := NewServer(mocks.NewMockConfigWatcher(cfg), zaptest.NewLogger(t))
	require.NoError(t, err)

	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return &gateway{Server: ts, server: s, upstream: upstream, dir: dir}
}

func (g *gateway) writeInstruction(t *testing.T, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(g.dir, config.InstructionFileName), []byte(content), 0o600))
}

func (g *gateway) post(t *testing.T, path, body string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Post(g.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(data)
}

func TestGatewayInjection(t *testing.T) {
	tests := []struct {
		name        string
		instruction *string
		body        string
		want        string
	}{
		{
			name: "missing file passes through",
			body: `{"model":"m","messages":[{"role":"user","content":"hi"}]}`,
			want: `{"model":"m","messages":[{"role":"user","content":"hi"}]}`,
		},
		{
			name:        "empty file passes through",
			instruction: ptr("   \n"),
			body:        `{"model":"m","messages":[{"role":"user","content":"hi"}]}`,
			want:        `{"model":"m","messages":[{"role":"user","content":"hi"}]}`,
		},
		{
			name:        "no system message",
			instruction: ptr("Be concise.\n"),
			body:        `{"model":"m","messages":[{"role":"user","content":"hi"}]}`,
			want:        `{"model":"m","messages":[{"role":"system","content":"Be concise."},{"role":"user","content":"hi"}]}`,
		},
		{
			name:        "single system message",
			instruction: ptr("Be concise."),
			body:        `{"model":"m","messages":[{"role":"system","content":"S"},{"role":"user","content":"hi"}]}`,
			want:        `{"model":"m","messages":[{"role":"system","content":"S"},{"role":"system","content":"Be concise."},{"role":"user","content":"hi"}]}`,
		},
		{
			name:        "several system messages",
			instruction: ptr("Be concise."),
			body:        `{"messages":[{"role":"system","content":"A"},{"role":"user","content":"u1"},{"role":"system","content":"B"},{"role":"user","content":"u2"}]}`,
			want:        `{"messages":[{"role":"system","content":"A"},{"role":"user","content":"u1"},{"role":"system","content":"B"},{"role":"system","content":"Be concise."},{"role":"user","content":"u2"}]}`,
		},
		{
			name:        "extra fields kept",
			instruction: ptr("I"),
			body:        `{"model":"m","temperature":0.2,"max_tokens":64,"tools":[{"type":"function","function":{"name":"f"}}],"messages":[{"role":"user","content":"hi"}]}`,
			want:        `{"model":"m","temperature":0.2,"max_tokens":64,"tools":[{"type":"function","function":{"name":"f"}}],"messages":[{"role":"system","content":"I"},{"role":"user","content":"hi"}]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGateway(t)
			if tt.instruction != nil {
				g.writeInstruction(t, *tt.instruction)
			}

			resp, body := g.post(t, V1CompletionsPath, tt.body)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.JSONEq(t, `{"id":"chatcmpl-1","object":"chat.completion"}`, body)

			received := g.upstream.received()
			require.Len(t, received, 1)
			assert.JSONEq(t, tt.want, received[0])
		})
	}
}

func TestGatewayReadsInstructionEveryRequest(t *testing.T) {
	g := newGateway(t)
	const body = `{"messages":[{"role":"user","content":"hi"}]}`

	g.post(t, CompletionsPath, body)
	g.writeInstruction(t, "first")
	g.post(t, CompletionsPath, body)
	g.writeInstruction(t, "second")
	g.post(t, CompletionsPath, body)
	require.NoError(t, os.Remove(filepath.Join(g.dir, config.InstructionFileName)))
	g.post(t, CompletionsPath, body)

	received := g.upstream.received()
	require.Len(t, received, 4)
	assert.JSONEq(t, body, received[0])
	assert.JSONEq(t, `{"messages":[{"role":"system","content":"first"},{"role":"user","content":"hi"}]}`, received[1])
	assert.JSONEq(t, `{"messages":[{"role":"system","content":"second"},{"role":"user","content":"hi"}]}`, received[2])
	assert.JSONEq(t, body, received[3])
}

func TestGatewayParseError(t *testing.T) {
	g := newGateway(t)
	g.writeInstruction(t, "I")

	for _, body := range []string{`{"model":"m"`, `{"model":"m"}`} {
		resp, data := g.post(t, CompletionsPath, body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		var envelope struct {
			Error struct {
				Type      string `json:"type"`
				Message   string `json:"message"`
				RequestID string `json:"request_id"`
			} `json:"error"`
		}
		require.NoError(t, json.Unmarshal([]byte(data), &envelope), data)
		assert.Equal(t, "validation_error", envelope.Error.Type)
		assert.NotEmpty(t, envelope.Error.Message)
		assert.Equal(t, resp.Header.Get("X-Request-ID"), envelope.Error.RequestID)
	}
	assert.Empty(t, g.upstream.received())
}

func TestGatewayRelaysUpstreamError(t *testing.T) {
	g := newGateway(t)
	g.upstream.respond(http.StatusUnauthorized, "application/json", `{"error":{"message":"Incorrect API key provided"}}`)

	resp, data := g.post(t, CompletionsPath, `{"messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var envelope struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(data), &envelope))
	assert.Equal(t, "provider_error", envelope.Error.Type)
	assert.Equal(t, "Incorrect API key provided", envelope.Error.Message)
}

func TestGatewayStreamsUpstream(t *testing.T) {
	g := newGateway(t)
	g.writeInstruction(t, "I")
	stream := "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\ndata: [DONE]\n\n"
	g.upstream.respond(http.StatusOK, "text/event-stream", stream)

	resp, data := g.post(t, CompletionsPath, `{"stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, stream, data)
}

func TestGatewayMetrics(t *testing.T) {
	g := newGateway(t)
	g.post(t, CompletionsPath, `{"messages":[]}`)
	g.writeInstruction(t, "I")
	g.post(t, CompletionsPath, `{"messages":[]}`)

	resp, err := http.Get(g.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(data)
	assert.Contains(t, text, `preamble_instruction_injections_total{placement="none"} 1`)
	assert.Contains(t, text, `preamble_instruction_injections_total{placement="prepended"} 1`)
	assert.Contains(t, text, `preamble_backend_duration_seconds_count{backend="upstream",outcome="success"} 2`)
}

func TestServerStartAndReload(t *testing.T) {
	upstream := newFakeUpstream(t)
	dir1, dir2 := t.TempDir(), t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir2, config.InstructionFileName), []byte("from reload"), 0o600))

	cfg := config.DefaultConfig()
	cfg.Server.Port = 0
	cfg.Server.ShutdownTimeout = 5 * time.Second
	cfg.Instruction.Dir = dir1
	cfg.Backend.Upstream.BaseURL = upstream.URL

	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	watcher := mocks.NewMockConfigWatcher(cfg)
	s, err := NewServer(watcher, zaptest.NewLogger(t), WithLogLevel(level))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	require.Eventually(t, func() bool {
		if s.Addr() == "" {
			return false
		}
		resp, err := http.Get("http://" + s.Addr() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond, "server failed to start")

	t.Run("instruction location and log level follow reloads", func(t *testing.T) {
		next := *cfg
		next.Instruction.Dir = dir2
		next.Logging.Level = "debug"
		watcher.UpdateConfig(&next)

		require.Eventually(t, func() bool {
			return s.InstructionPath() == filepath.Join(dir2, config.InstructionFileName) &&
				level.Level() == zapcore.DebugLevel
		}, 5*time.Second, 20*time.Millisecond)

		resp, err := http.Post("http://"+s.Addr()+CompletionsPath, "application/json",
			strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
		require.NoError(t, err)
		resp.Body.Close()

		received := upstream.received()
		require.NotEmpty(t, received)
		assert.JSONEq(t, `{"messages":[{"role":"system","content":"from reload"},{"role":"user","content":"hi"}]}`,
			received[len(received)-1])
	})

	t.Run("server section change restarts the listener", func(t *testing.T) {
		before := s.Addr()
		next := *watcher.GetCurrentConfig()
		next.Server.ReadTimeout = 45 * time.Second
		watcher.UpdateConfig(&next)

		require.Eventually(t, func() bool {
			addr := s.Addr()
			if addr == before {
				return false
			}
			resp, err := http.Get("http://" + addr + "/health")
			if err != nil {
				return false
			}
			resp.Body.Close()
			return resp.StatusCode == http.StatusOK
		}, 5*time.Second, 50*time.Millisecond, "server failed to restart")
	})

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server failed to shut down")
	}
}

func TestNewServerUnknownBackend(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Backend.Type = "carrier-pigeon"

	_, err := NewServer(mocks.NewMockConfigWatcher(cfg), nil)
	assert.Error(t, err)
}

func ptr(s string) *string { return &s }
