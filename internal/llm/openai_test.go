package llm_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zhao-yangyang/DaemonChat/internal/apperr"
	"github.com/Zhao-yangyang/DaemonChat/internal/llm"
	"github.com/Zhao-yangyang/DaemonChat/pkg/models"
)

var prompt = []models.ContextMessage{
	{Role: models.RoleSystem, Content: "be brief"},
	{Role: models.RoleUser, Content: "hi"},
}

func newClient(t *testing.T, h http.HandlerFunc) *llm.Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return llm.New("sk-test", "gpt-4o-mini", llm.WithBaseURL(srv.URL+"/v1/"), llm.WithEmbedModel("embed-small"))
}

func TestCompleteChat(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o-mini", body["model"])
		assert.Equal(t, false, body["stream"])
		assert.Len(t, body["messages"], 2)

		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"hello there"}}]}`)
	})

	out, err := c.CompleteChat(context.Background(), prompt)
	require.NoError(t, err)
	assert.Equal(t, "hello there", out)
}

func TestStreamChat(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	var got []string
	for frag, err := range c.StreamChat(context.Background(), prompt) {
		require.NoError(t, err)
		got = append(got, frag)
	}
	assert.Equal(t, []string{"hel", "lo"}, got)
}

func TestStreamChatEarlyBreak(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		for i := range 5 {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\"f%d\"}}]}\n\n", i)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	var got []string
	for frag, err := range c.StreamChat(context.Background(), prompt) {
		require.NoError(t, err)
		got = append(got, frag)
		if len(got) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"f0", "f1"}, got)
}

func TestStreamChatHTTPError(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"bad key"}}`, http.StatusUnauthorized)
	})

	var errs []error
	for _, err := range c.StreamChat(context.Background(), prompt) {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "401")
}

func TestRateLimitIsClassified(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.CompleteChat(context.Background(), prompt)
	assert.True(t, apperr.Is(err, apperr.CodeRateLimited))
}

func TestEmbed(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "embed-small", body["model"])
		assert.Equal(t, "likes tea", body["input"])

		fmt.Fprint(w, `{"data":[{"embedding":[0.1,0.2,0.3],"index":0}]}`)
	})

	v, err := c.Embed(context.Background(), "likes tea")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 0.2, 0.3}, v)
}
