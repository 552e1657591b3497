package completion

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teilomillet/preamble/errors"
	"github.com/teilomillet/preamble/server/metrics"
	"go.uber.org/zap/zaptest"
)

func staticInstruction(text string) InstructionSource {
	return InstructionFunc(func(context.Context) (string, bool) {
		text := strings.TrimSpace(text)
		return text, text != ""
	})
}

// recordingBackend keeps the requests it receives and answers 200.
type recordingBackend struct {
	requests []*Request
	err      error
}

func (b *recordingBackend) Complete(w http.ResponseWriter, req *Request) error {
	b.requests = append(b.requests, req)
	if b.err != nil {
		return b.err
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"ok":true}`))
	return nil
}

type forwardRecorder struct {
	calls int
	errs  []error
}

func (f *forwardRecorder) forward(w http.ResponseWriter, r *http.Request, err error) {
	f.calls++
	f.errs = append(f.errs, err)
	errors.Forward(w, r, err)
}

func serve(h http.Handler, body string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, "/chat/completions", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set(errors.RequestIDHeader, "req-test")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func TestHandlerInjection(t *testing.T) {
	tests := []struct {
		name        string
		instruction string
		body        string
		want        string
		identical   bool
	}{
		{
			name:        "no instruction forwards body verbatim",
			instruction: "",
			body:        `{"model":"m",  "messages":[{"role":"user","content":"hi"}]}`,
			identical:   true,
		},
		{
			name:        "whitespace-only instruction is none",
			instruction: "  \n\t ",
			body:        `{"messages":[{"role":"system","content":"S"}]}`,
			identical:   true,
		},
		{
			name:        "prepend without system message",
			instruction: "Be concise.",
			body:        `{"model":"m","messages":[{"role":"user","content":"hi"}]}`,
			want:        `{"model":"m","messages":[{"role":"system","content":"Be concise."},{"role":"user","content":"hi"}]}`,
		},
		{
			name:        "after the last system message",
			instruction: "  Be concise.\n",
			body:        `{"messages":[{"role":"system","content":"A"},{"role":"user","content":"u1"},{"role":"system","content":"B"},{"role":"user","content":"u2"}]}`,
			want:        `{"messages":[{"role":"system","content":"A"},{"role":"user","content":"u1"},{"role":"system","content":"B"},{"role":"system","content":"Be concise."},{"role":"user","content":"u2"}]}`,
		},
		{
			name:        "extra fields preserved",
			instruction: "I",
			body:        `{"model":"m","temperature":0.7,"stream":true,"user":"u","messages":[{"role":"user","name":"n","content":"hi"}]}`,
			want:        `{"model":"m","temperature":0.7,"stream":true,"user":"u","messages":[{"role":"system","content":"I"},{"role":"user","name":"n","content":"hi"}]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &recordingBackend{}
			h := NewHandler(NewInjector(staticInstruction(tt.instruction), nil), backend, zaptest.NewLogger(t))

			rec := serve(h, tt.body)

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
			require.Len(t, backend.requests, 1)

			got := backend.requests[0]
			if tt.identical {
				assert.Equal(t, tt.body, string(got.Bytes()))
			} else {
				assert.JSONEq(t, tt.want, string(got.Bytes()))
			}
			assert.Equal(t, http.MethodPost, got.Method())
			assert.Equal(t, "/chat/completions", got.URL().Path)
			assert.Equal(t, "application/json", got.Header().Get("Content-Type"))
			assert.Equal(t, "req-test", got.Header().Get(errors.RequestIDHeader))
		})
	}
}

func TestHandlerParseErrorSkipsBackend(t *testing.T) {
	backend := &recordingBackend{}
	fwd := &forwardRecorder{}
	h := NewHandler(NewInjector(staticInstruction("I"), nil), backend, zaptest.NewLogger(t),
		WithErrorForwarder(fwd.forward))

	rec := serve(h, `{"model":"m"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, backend.requests)
	assert.Equal(t, 1, fwd.calls)

	var envelope struct {
		Error struct {
			Type      string `json:"type"`
			RequestID string `json:"request_id"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, string(errors.ValidationError), envelope.Error.Type)
	assert.Equal(t, "req-test", envelope.Error.RequestID)
}

func TestHandlerForwardsBackendError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{
			name:     "proxy error keeps its code",
			err:      errors.NewProviderError("", "upstream down", fmt.Errorf("dial")),
			wantCode: http.StatusBadGateway,
		},
		{
			name:     "upstream status is relayed",
			err:      &errors.UpstreamError{StatusCode: http.StatusTooManyRequests, Body: []byte(`{"error":{"message":"slow down"}}`)},
			wantCode: http.StatusTooManyRequests,
		},
		{
			name:     "plain error is internal",
			err:      fmt.Errorf("boom"),
			wantCode: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &recordingBackend{err: tt.err}
			fwd := &forwardRecorder{}
			h := NewHandler(NewInjector(staticInstruction(""), nil), backend, zaptest.NewLogger(t),
				WithErrorForwarder(fwd.forward))

			rec := serve(h, sampleBody)

			assert.Equal(t, tt.wantCode, rec.Code)
			require.Equal(t, 1, fwd.calls)
			assert.ErrorIs(t, fwd.errs[0], tt.err)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		})
	}
}

func TestHandlerRecoversBackendPanic(t *testing.T) {
	fwd := &forwardRecorder{}
	backend := BackendFunc(func(w http.ResponseWriter, req *Request) error {
		panic("backend exploded")
	})
	h := NewHandler(NewInjector(staticInstruction(""), nil), backend, zaptest.NewLogger(t),
		WithErrorForwarder(fwd.forward))

	rec := serve(h, sampleBody)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, 1, fwd.calls)

	var proxyErr *errors.ProxyError
	require.True(t, errors.As(fwd.errs[0], &proxyErr))
	assert.Equal(t, errors.InternalError, proxyErr.Type)
	assert.Equal(t, "req-test", proxyErr.RequestID)
}

func TestHandlerErrorAfterResponseStarted(t *testing.T) {
	fwd := &forwardRecorder{}
	backend := BackendFunc(func(w http.ResponseWriter, req *Request) error {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "data: partial\n\n")
		return fmt.Errorf("stream interrupted")
	})
	h := NewHandler(NewInjector(staticInstruction(""), nil), backend, zaptest.NewLogger(t),
		WithErrorForwarder(fwd.forward))

	rec := serve(h, sampleBody)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "data: partial\n\n", rec.Body.String())
	assert.Zero(t, fwd.calls)
}

func TestHandlerMetrics(t *testing.T) {
	m := metrics.NewMetrics()
	instruction := ""
	source := InstructionFunc(func(context.Context) (string, bool) {
		return instruction, instruction != ""
	})
	h := NewHandler(NewInjector(source, nil), &recordingBackend{}, zaptest.NewLogger(t),
		WithMetrics(m), WithBackendName("test"))

	serve(h, sampleBody)
	instruction = "I"
	serve(h, sampleBody)
	serve(h, `{"messages":[{"role":"system","content":"S"}]}`)
	serve(h, `{"messages":[{"role":"system","content":"S"}]}`)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.InstructionInjections.WithLabelValues("none")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.InstructionInjections.WithLabelValues("prepended")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.InstructionInjections.WithLabelValues("after_system")))
	// one series: backend "test", outcome "success"
	assert.Equal(t, 1, testutil.CollectAndCount(m.BackendDuration))
}

func TestHTTPBackend(t *testing.T) {
	var got []byte
	var length int64
	plain := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = io.ReadAll(r.Body)
		length = r.ContentLength
		_, ok := RequestFromContext(r.Context())
		assert.True(t, ok)
		w.WriteHeader(http.StatusAccepted)
	})

	h := NewHandler(NewInjector(staticInstruction("I"), nil), HTTPBackend(plain), zaptest.NewLogger(t))
	rec := serve(h, sampleBody)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t,
		`{"model":"m","stream":false,"messages":[{"role":"system","content":"I"},{"role":"user","content":"hi"}]}`,
		string(got))
	assert.Equal(t, int64(len(got)), length)
}
