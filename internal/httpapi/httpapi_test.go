package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dotcommander/relay/internal/chat"
	"github.com/dotcommander/relay/internal/config"
	"github.com/dotcommander/relay/internal/httpapi"
	"github.com/dotcommander/relay/internal/mcp"
	"github.com/dotcommander/relay/internal/openrouter"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"
)

const (
	helloFrame      = `{"choices":[{"delta":{"content":"Hello"}}]}`
	stopFrame       = `{"choices":[{"delta":{},"finish_reason":"stop"}]}`
	toolCallFrame   = `{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"read_file","arguments":"{\"path\":\"/tmp/notes\"}"}}]}}]}`
	toolFinishFrame = `{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`
)

func TestChatStreamingRoute(t *testing.T) {
	t.Run("streams frames with a done terminator", func(t *testing.T) {
		up := newUpstream([]string{helloFrame, stopFrame})
		srv := newTestServer(t, up, nil)

		resp := postJSON(t, srv.URL+"/chat_streaming", map[string]any{
			"model_id":     "test/model",
			"chat_history": []map[string]any{{"role": "user", "content": "hi"}},
		})
		defer resp.Body.Close()

		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "application/stream+json", resp.Header.Get("Content-Type"))
		require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

		frames := readFrames(t, resp.Body)
		require.Equal(t, []string{helloFrame, stopFrame, "[DONE]"}, frames)
	})

	t.Run("pending notice is the final frame", func(t *testing.T) {
		up := newUpstream([]string{toolCallFrame, toolFinishFrame})
		srv := newTestServer(t, up, &stubSession{})

		resp := postJSON(t, srv.URL+"/chat_streaming", map[string]any{
			"model_id":        "test/model",
			"chat_history":    []map[string]any{{"role": "user", "content": "read my notes"}},
			"use_mcp":         true,
			"mcp_server_type": "files",
		})
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		frames := readFrames(t, resp.Body)
		require.NotEmpty(t, frames)
		require.NotContains(t, frames, "[DONE]")

		var notice struct {
			Type      string `json:"type"`
			PendingID string `json:"pending_id"`
			Message   string `json:"message"`
			ToolCalls []struct {
				ID string `json:"id"`
			} `json:"tool_calls"`
		}
		require.NoError(t, json.Unmarshal([]byte(frames[len(frames)-1]), &notice))
		require.Equal(t, "tool_calls_pending", notice.Type)
		require.NotEmpty(t, notice.PendingID)
		require.Equal(t, "The AI wants to use tools. Do you approve?", notice.Message)
		require.Len(t, notice.ToolCalls, 1)
		require.Equal(t, "call_1", notice.ToolCalls[0].ID)
	})

	t.Run("unknown model", func(t *testing.T) {
		up := newUpstream()
		srv := newTestServer(t, up, nil)

		resp := postJSON(t, srv.URL+"/chat_streaming", map[string]any{
			"model_id":     "missing/model",
			"chat_history": []map[string]any{{"role": "user", "content": "hi"}},
		})
		status, code := decodeError(t, resp)
		require.Equal(t, http.StatusNotFound, status)
		require.Equal(t, "not_found", code)
	})

	t.Run("invalid body", func(t *testing.T) {
		up := newUpstream()
		srv := newTestServer(t, up, nil)

		resp, err := http.Post(srv.URL+"/chat_streaming", "application/json", strings.NewReader("{"))
		require.NoError(t, err)
		status, code := decodeError(t, resp)
		require.Equal(t, http.StatusBadRequest, status)
		require.Equal(t, "invalid_request", code)
	})

	t.Run("empty history", func(t *testing.T) {
		up := newUpstream()
		srv := newTestServer(t, up, nil)

		resp := postJSON(t, srv.URL+"/chat_streaming", map[string]any{"model_id": "test/model"})
		status, code := decodeError(t, resp)
		require.Equal(t, http.StatusBadRequest, status)
		require.Equal(t, "invalid_request", code)
	})
}

func TestApproveRoute(t *testing.T) {
	t.Run("decline yields one frame then done", func(t *testing.T) {
		up := newUpstream([]string{toolCallFrame})
		srv := newTestServer(t, up, &stubSession{})
		pendingID := startPendingRound(t, srv, up)

		resp := postJSON(t, srv.URL+"/mcp/approve_tool_calls_streaming", map[string]any{
			"pending_id": pendingID,
			"approved":   false,
		})
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		frames := readFrames(t, resp.Body)
		require.Len(t, frames, 2)
		require.JSONEq(t,
			`{"choices":[{"delta":{"content":"Tool calls were declined by the user."}}]}`,
			frames[0])
		require.Equal(t, "[DONE]", frames[1])

		// Declining never issues a second completion request.
		require.Equal(t, 1, up.requestCount())
	})

	t.Run("approve executes tools and streams the follow-up", func(t *testing.T) {
		up := newUpstream([]string{toolCallFrame}, []string{helloFrame, stopFrame})
		session := &stubSession{}
		srv := newTestServer(t, up, session)
		pendingID := startPendingRound(t, srv, up)

		resp := postJSON(t, srv.URL+"/mcp/approve_tool_calls_streaming", map[string]any{
			"pending_id": pendingID,
			"approved":   true,
		})
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		frames := readFrames(t, resp.Body)
		require.Equal(t, []string{helloFrame, stopFrame, "[DONE]"}, frames)
		require.Equal(t, []string{"read_file"}, session.callNames())

		second := up.lastRequest()
		_, hasTools := second["tools"]
		require.False(t, hasTools)
	})

	t.Run("inline round state resumes without a stored record", func(t *testing.T) {
		up := newUpstream([]string{helloFrame, stopFrame})
		session := &stubSession{}
		srv := newTestServer(t, up, session)

		resp := postJSON(t, srv.URL+"/mcp/approve_tool_calls_streaming", map[string]any{
			"approved": true,
			"model_id": "test/model",
			"tool_calls": []map[string]any{{
				"id":   "call_1",
				"type": "function",
				"function": map[string]any{
					"name":      "read_file",
					"arguments": `{"path":"/tmp/notes"}`,
				},
			}},
			"chat_history":    []map[string]any{{"role": "user", "content": "read my notes"}},
			"mcp_server_type": "files",
		})
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		frames := readFrames(t, resp.Body)
		require.Equal(t, []string{helloFrame, stopFrame, "[DONE]"}, frames)
		require.Equal(t, []string{"read_file"}, session.callNames())
	})

	t.Run("unknown pending id", func(t *testing.T) {
		up := newUpstream()
		srv := newTestServer(t, up, nil)

		resp := postJSON(t, srv.URL+"/mcp/approve_tool_calls_streaming", map[string]any{
			"pending_id": "no-such-round",
			"approved":   true,
		})
		status, code := decodeError(t, resp)
		require.Equal(t, http.StatusNotFound, status)
		require.Equal(t, "not_found", code)
	})
}

func TestChatRoute(t *testing.T) {
	t.Run("returns the upstream document", func(t *testing.T) {
		up := newUpstream()
		srv := newTestServer(t, up, nil)

		resp, err := http.Post(srv.URL+"/chat?model_id=test/model&prompt=ping", "application/json", nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.JSONEq(t, `{"choices":[{"message":{"content":"pong"}}]}`, string(body))
	})

	t.Run("missing prompt", func(t *testing.T) {
		up := newUpstream()
		srv := newTestServer(t, up, nil)

		resp, err := http.Post(srv.URL+"/chat?model_id=test/model", "application/json", nil)
		require.NoError(t, err)
		status, code := decodeError(t, resp)
		require.Equal(t, http.StatusBadRequest, status)
		require.Equal(t, "invalid_request", code)
	})
}

func TestMCPRoutes(t *testing.T) {
	t.Run("servers", func(t *testing.T) {
		up := newUpstream()
		srv := newTestServer(t, up, nil)

		resp, err := http.Get(srv.URL + "/mcp/servers")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var listing struct {
			Servers []string `json:"servers"`
			Configs map[string]struct {
				Command string `json:"command"`
			} `json:"configs"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
		require.Equal(t, []string{"files"}, listing.Servers)
		require.Equal(t, "true", listing.Configs["files"].Command)
	})

	t.Run("tools", func(t *testing.T) {
		up := newUpstream()
		srv := newTestServer(t, up, &stubSession{})

		resp, err := http.Get(srv.URL + "/mcp/tools/files")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var listing struct {
			ServerType string `json:"server_type"`
			Connected  bool   `json:"connected"`
			Tools      []struct {
				Function struct {
					Name string `json:"name"`
				} `json:"function"`
			} `json:"tools"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
		require.Equal(t, "files", listing.ServerType)
		require.True(t, listing.Connected)
		require.Len(t, listing.Tools, 1)
		require.Equal(t, "read_file", listing.Tools[0].Function.Name)
	})

	t.Run("tools for unknown server", func(t *testing.T) {
		up := newUpstream()
		srv := newTestServer(t, up, nil)

		resp, err := http.Get(srv.URL + "/mcp/tools/nope")
		require.NoError(t, err)
		status, code := decodeError(t, resp)
		require.Equal(t, http.StatusNotFound, status)
		require.Equal(t, "not_found", code)
	})

	t.Run("cleanup", func(t *testing.T) {
		up := newUpstream()
		srv := newTestServer(t, up, &stubSession{})

		_, err := http.Get(srv.URL + "/mcp/tools/files")
		require.NoError(t, err)

		resp, err := http.Post(srv.URL+"/mcp/cleanup", "application/json", nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		require.Equal(t, "All MCP connections cleaned up", body["message"])
	})
}

func TestHealthz(t *testing.T) {
	up := newUpstream()
	srv := newTestServer(t, up, nil)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "ok", string(body))
}

func TestCORSPreflight(t *testing.T) {
	up := newUpstream()
	srv := newTestServer(t, up, nil)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/chat_streaming", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	require.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
}

func newTestServer(t *testing.T, up *upstream, session mcp.Session) *httptest.Server {
	t.Helper()

	api := httptest.NewServer(up.handler())
	t.Cleanup(api.Close)

	client, err := openrouter.New(openrouter.Config{APIKey: "test-key", BaseURL: api.URL})
	require.NoError(t, err)

	cfg := config.Default()
	cfg.DefaultModel = "test/model"
	cfg.MCPServers = map[string]config.MCPServerConfig{
		"files": {Command: "true"},
	}
	cfg.MCPConnectTimeout = time.Second
	cfg.MCPCallTimeout = time.Second

	connect := func(context.Context, string, config.MCPServerConfig, time.Duration) (mcp.Session, []mcpgo.Tool, error) {
		if session == nil {
			return nil, nil, errors.New("tool server unavailable")
		}
		return session, []mcpgo.Tool{{Name: "read_file", Description: "Read a file."}}, nil
	}

	store, err := chat.NewPendingStore(t.TempDir())
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := chat.New(&cfg, client, openrouter.NewCatalog(client, time.Minute), mcp.New(&cfg, logger, connect), store, logger)

	srv := httptest.NewServer(httpapi.NewRouter(svc, &cfg, logger))
	t.Cleanup(srv.Close)
	return srv
}

// startPendingRound runs a tool-calling stream to completion and returns the
// pending id from its notice frame.
func startPendingRound(t *testing.T, srv *httptest.Server, up *upstream) string {
	t.Helper()

	resp := postJSON(t, srv.URL+"/chat_streaming", map[string]any{
		"model_id":        "test/model",
		"chat_history":    []map[string]any{{"role": "user", "content": "read my notes"}},
		"use_mcp":         true,
		"mcp_server_type": "files",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	frames := readFrames(t, resp.Body)
	require.NotEmpty(t, frames)

	var notice struct {
		PendingID string `json:"pending_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(frames[len(frames)-1]), &notice))
	require.NotEmpty(t, notice.PendingID)
	return notice.PendingID
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	return resp
}

func readFrames(t *testing.T, body io.Reader) []string {
	t.Helper()
	data, err := io.ReadAll(body)
	require.NoError(t, err)

	var frames []string
	for _, part := range strings.Split(string(data), "\n\n") {
		if part == "" {
			continue
		}
		require.True(t, strings.HasPrefix(part, "data: "), "unframed payload %q", part)
		frames = append(frames, strings.TrimPrefix(part, "data: "))
	}
	return frames
}

func decodeError(t *testing.T, resp *http.Response) (int, string) {
	t.Helper()
	defer resp.Body.Close()

	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return resp.StatusCode, envelope.Error.Code
}

// upstream is a test double for the completion API.
type upstream struct {
	mu       sync.Mutex
	streams  [][]string
	requests []map[string]any
}

func newUpstream(streams ...[]string) *upstream {
	return &upstream{streams: streams}
}

func (u *upstream) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /models", func(w http.ResponseWriter, _ *http.Request) {
		models := []openrouter.Model{{
			ID: "test/model",
			Architecture: openrouter.Architecture{
				InputModalities:  []string{"text"},
				OutputModalities: []string{"text"},
			},
		}}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": models})
	})
	mux.HandleFunc("POST /chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		u.mu.Lock()
		u.requests = append(u.requests, req)
		var frames []string
		if len(u.streams) > 0 {
			frames = u.streams[0]
			u.streams = u.streams[1:]
		}
		u.mu.Unlock()

		if stream, _ := req["stream"].(bool); !stream {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"choices":[{"message":{"content":"pong"}}]}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, frame := range frames {
			fmt.Fprintf(w, "data: %s\n\n", frame)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})
	return mux
}

func (u *upstream) requestCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.requests)
}

func (u *upstream) lastRequest() map[string]any {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.requests) == 0 {
		return nil
	}
	return u.requests[len(u.requests)-1]
}

// stubSession is a test double for a connected tool server.
type stubSession struct {
	mu    sync.Mutex
	calls []string
}

func (s *stubSession) CallTool(_ context.Context, name string, _ map[string]any) (*mcpgo.CallToolResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, name)
	s.mu.Unlock()
	return &mcpgo.CallToolResult{
		Content: []mcpgo.Content{mcpgo.TextContent{Type: "text", Text: "ok"}},
	}, nil
}

func (s *stubSession) Close() error { return nil }

func (s *stubSession) callNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}
