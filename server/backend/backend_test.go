package backend

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/teilomillet/preamble/server/completion"
)

func newCompletionRequest(t *testing.T, body string, headers map[string]string) *completion.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	req, err := completion.NewRequest(r)
	require.NoError(t, err)
	return req
}

// wordTokenizer counts whitespace separated words as tokens.
type wordTokenizer struct{}

func (wordTokenizer) Encode(text string, _ []string, _ []string) []int {
	return make([]int, len(strings.Fields(text)))
}
