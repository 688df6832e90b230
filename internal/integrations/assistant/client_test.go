package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"convo-relay/internal/domain"
)

// fakeGetter is a minimal paramstore.Getter stub for use within this package.
type fakeGetter struct {
	val    string
	err    error
	onCall func()
}

func (f *fakeGetter) GetParameter(_ context.Context, _ string) (string, error) {
	if f.onCall != nil {
		f.onCall()
	}
	return f.val, f.err
}

func tokenGetter() *fakeGetter {
	return &fakeGetter{val: `{"token":"sk-test"}`}
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(tokenGetter(), "/relay", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return c
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(nil, "/relay")
	require.Error(t, err)
	_, err = NewClient(tokenGetter(), "  ")
	require.Error(t, err)
}

func TestResolveAPIKey_CachedAfterFirstCall(t *testing.T) {
	calls := 0
	g := tokenGetter()
	g.onCall = func() { calls++ }
	c, err := NewClient(g, "/relay")
	require.NoError(t, err)

	key, err := c.resolveAPIKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, "sk-test", key)

	_, _ = c.resolveAPIKey(context.Background())
	_, _ = c.resolveAPIKey(context.Background())
	require.Equal(t, 1, calls, "SSM must only be called once per process lifetime")
}

func TestCreateMessage_HappyPath(t *testing.T) {
	var gotPath, gotAuth, gotBeta string
	var gotBody messageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotBeta = r.Header.Get("OpenAI-Beta")
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &gotBody))
		w.Write([]byte(`{"id":"msg_1"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	err := c.CreateMessage(context.Background(), "thread_1", "user", "hi there")
	require.NoError(t, err)
	require.Equal(t, "/threads/thread_1/messages", gotPath)
	require.Equal(t, "Bearer sk-test", gotAuth)
	require.Equal(t, "assistants=v2", gotBeta)
	require.Equal(t, messageRequest{Role: "user", Content: "hi there"}, gotBody)
}

func TestCreateMessage_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad thread", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	err := c.CreateMessage(context.Background(), "thread_1", "user", "hi")
	require.Error(t, err)

	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
}

func TestStartRun_HappyPath(t *testing.T) {
	var gotBody runRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/threads/thread_1/runs", r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &gotBody))
		w.Write([]byte(`{"id":"run_42","status":"queued"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	runRef, err := c.StartRun(context.Background(), "thread_1", "agent_9")
	require.NoError(t, err)
	require.Equal(t, "run_42", runRef)
	require.Equal(t, "agent_9", gotBody.AssistantID)
}

func TestStartRun_MissingID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"status":"queued"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.StartRun(context.Background(), "thread_1", "agent_9")
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing id")
}

func TestGetRunStatus_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/threads/thread_1/runs/run_42", r.URL.Path)
		w.Write([]byte(`{"id":"run_42","status":"in_progress"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	status, err := c.GetRunStatus(context.Background(), "thread_1", "run_42")
	require.NoError(t, err)
	require.Equal(t, domain.RunInProgress, status)
	require.False(t, status.Terminal())
}

func TestLatestAgentMessage_PicksNewestAssistantText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/threads/thread_1/messages", r.URL.Path)
		w.Write([]byte(`{"data":[
			{"role":"assistant","content":[{"type":"text","text":{"value":"Hello!"}}]},
			{"role":"user","content":[{"type":"text","text":{"value":"hi"}}]},
			{"role":"assistant","content":[{"type":"text","text":{"value":"older reply"}}]}
		]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	text, err := c.LatestAgentMessage(context.Background(), "thread_1")
	require.NoError(t, err)
	require.Equal(t, "Hello!", text)
}

func TestLatestAgentMessage_NoAgentReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"data":[{"role":"user","content":[{"type":"text","text":{"value":"hi"}}]}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.LatestAgentMessage(context.Background(), "thread_1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "no agent message")
}

func TestTokenFailureSurfacesBeforeRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		t.Fatal("no request expected when the token cannot be resolved")
	}))
	defer srv.Close()

	g := &fakeGetter{err: errors.New("ssm unavailable")}
	c, err := NewClient(g, "/relay", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	err = c.CreateMessage(context.Background(), "thread_1", "user", "hi")
	require.Error(t, err)
	require.ErrorContains(t, err, "ssm unavailable")
}
