package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/dotcommander/relay/internal/config"
	"github.com/dotcommander/relay/internal/errs"
	"github.com/dotcommander/relay/internal/mcp"
	"github.com/dotcommander/relay/internal/openrouter"
	"github.com/dotcommander/relay/internal/proto"
	"github.com/dotcommander/relay/internal/storage"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"
)

const (
	contentFrame    = `{"choices":[{"delta":{"content":"Hello"}}]}`
	contentFrame2   = `{"choices":[{"delta":{"content":" world"}}]}`
	finishFrame     = `{"choices":[{"delta":{},"finish_reason":"stop"}]}`
	toolStartFrame  = `{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"read_file","arguments":"{\"path\":"}}]}}]}`
	toolArgsFrame   = `{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"/tmp/notes\"}"}}]}}]}`
	toolFinishFrame = `{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`
)

func TestStreamChat(t *testing.T) {
	t.Run("relays content frames", func(t *testing.T) {
		up := newStubUpstream([]string{contentFrame, contentFrame2, finishFrame})
		svc, _ := newTestService(t, up, nil)

		seq, err := svc.StreamChat(context.Background(), Request{Messages: userText("hi")})
		require.NoError(t, err)
		events := collect(seq)
		require.Equal(t, []Event{
			{Data: contentFrame},
			{Data: contentFrame2},
			{Data: finishFrame},
		}, events)

		reqs := up.recorded()
		require.Len(t, reqs, 1)
		require.True(t, reqs[0].Stream)
		require.Equal(t, "test/model", reqs[0].Model)
		require.Empty(t, reqs[0].Tools)
	})

	t.Run("unknown model fails before streaming", func(t *testing.T) {
		up := newStubUpstream()
		svc, _ := newTestService(t, up, nil)

		_, err := svc.StreamChat(context.Background(), Request{
			ModelID:  "missing/model",
			Messages: userText("hi"),
		})
		require.ErrorIs(t, err, openrouter.ErrModelNotFound)
		require.Empty(t, up.recorded())
	})

	t.Run("rejects unsupported image input", func(t *testing.T) {
		up := newStubUpstream()
		svc, _ := newTestService(t, up, nil)

		_, err := svc.StreamChat(context.Background(), Request{
			Messages: []proto.Message{{
				Role:  proto.RoleUser,
				Text:  "what is this",
				Image: &proto.Attachment{Data: "aGk=", Format: "png"},
			}},
		})
		var uerr errs.Error
		require.ErrorAs(t, err, &uerr)
		require.Equal(t, "Model does not support image input", uerr.ReasonText())
		require.Empty(t, up.recorded())
	})

	t.Run("rejects unsupported audio input", func(t *testing.T) {
		up := newStubUpstream()
		svc, _ := newTestService(t, up, nil)

		_, err := svc.StreamChat(context.Background(), Request{
			Messages: []proto.Message{{
				Role:  proto.RoleUser,
				Text:  "transcribe this",
				Audio: &proto.Attachment{Data: "aGk=", Format: "mp3"},
			}},
		})
		var uerr errs.Error
		require.ErrorAs(t, err, &uerr)
		require.Equal(t, "Model does not support audio input", uerr.ReasonText())
	})

	t.Run("attaches the file parser for documents", func(t *testing.T) {
		up := newStubUpstream([]string{contentFrame, finishFrame})
		svc, _ := newTestService(t, up, nil)

		seq, err := svc.StreamChat(context.Background(), Request{
			Messages: []proto.Message{{
				Role:     proto.RoleUser,
				Text:     "summarize",
				Document: &proto.Document{Data: "aGk=", Filename: "notes.pdf"},
			}},
		})
		require.NoError(t, err)
		collect(seq)

		reqs := up.recorded()
		require.Len(t, reqs, 1)
		require.Len(t, reqs[0].Plugins, 1)
		require.Equal(t, "file-parser", reqs[0].Plugins[0]["id"])
	})

	t.Run("suspends when the model calls tools", func(t *testing.T) {
		up := newStubUpstream([]string{contentFrame, toolStartFrame, toolArgsFrame, toolFinishFrame})
		session := &stubSession{}
		svc, _ := newTestService(t, up, session)
		msgs := userText("read my notes")

		seq, err := svc.StreamChat(context.Background(), Request{Messages: msgs, ServerType: "files"})
		require.NoError(t, err)
		events := collect(seq)

		// Tool-call frames are withheld; everything else passes through,
		// then the round suspends.
		require.Len(t, events, 3)
		require.Equal(t, contentFrame, events[0].Data)
		require.Equal(t, toolFinishFrame, events[1].Data)

		p := events[2].Pending
		require.NotNil(t, p)
		require.Equal(t, "test/model", p.ModelID)
		require.Equal(t, "files", p.ServerType)
		require.Equal(t, msgs, p.Messages)
		require.Equal(t, "Hello", p.AssistantText)
		require.Equal(t, []proto.ToolCall{{
			ID:   "call_1",
			Type: "function",
			Function: proto.FunctionCall{
				Name:      "read_file",
				Arguments: `{"path":"/tmp/notes"}`,
			},
		}}, p.ToolCalls)

		stored, err := svc.LoadPending(p.ID)
		require.NoError(t, err)
		require.Equal(t, p.ToolCalls, stored.ToolCalls)

		reqs := up.recorded()
		require.Len(t, reqs, 1)
		require.Len(t, reqs[0].Tools, 1)
		require.Empty(t, session.names())
	})

	t.Run("runs tools inline when auto approve is on", func(t *testing.T) {
		up := newStubUpstream(
			[]string{toolStartFrame, toolArgsFrame, toolFinishFrame},
			[]string{contentFrame, finishFrame},
		)
		session := &stubSession{result: textResult("file contents")}
		svc, _ := newTestService(t, up, session)

		seq, err := svc.StreamChat(context.Background(), Request{
			Messages:    userText("read my notes"),
			ServerType:  "files",
			AutoApprove: true,
		})
		require.NoError(t, err)
		events := collect(seq)
		require.Equal(t, []Event{
			{Data: toolFinishFrame},
			{Data: contentFrame},
			{Data: finishFrame},
		}, events)
		require.Equal(t, []string{"read_file"}, session.names())

		reqs := up.recorded()
		require.Len(t, reqs, 2)
		require.Len(t, reqs[0].Tools, 1)
		require.Empty(t, reqs[1].Tools)

		msgs := reqs[1].Messages
		require.Len(t, msgs, 3)
		require.Equal(t, "assistant", msgs[1]["role"])
		require.Equal(t, "tool", msgs[2]["role"])
		require.Equal(t, "call_1", msgs[2]["tool_call_id"])
		require.Contains(t, msgs[2]["content"], "file contents")
	})

	t.Run("continues without tools when listing fails", func(t *testing.T) {
		up := newStubUpstream([]string{contentFrame, finishFrame})
		svc, _ := newTestService(t, up, nil)

		seq, err := svc.StreamChat(context.Background(), Request{
			Messages:   userText("hi"),
			ServerType: "files",
		})
		require.NoError(t, err)
		events := collect(seq)
		require.Len(t, events, 2)

		reqs := up.recorded()
		require.Len(t, reqs, 1)
		require.Empty(t, reqs[0].Tools)
	})

	t.Run("skips malformed frames", func(t *testing.T) {
		up := newStubUpstream([]string{contentFrame, "not json", finishFrame})
		svc, _ := newTestService(t, up, nil)

		seq, err := svc.StreamChat(context.Background(), Request{Messages: userText("hi")})
		require.NoError(t, err)
		events := collect(seq)
		require.Equal(t, []Event{{Data: contentFrame}, {Data: finishFrame}}, events)
	})
}

func TestResume(t *testing.T) {
	t.Run("declined yields a single notice frame", func(t *testing.T) {
		up := newStubUpstream()
		session := &stubSession{}
		svc, _ := newTestService(t, up, session)
		p := pendingFixture()
		require.NoError(t, svc.pending.Put(p))

		events := collect(svc.Resume(context.Background(), p, false))
		require.Len(t, events, 1)
		require.JSONEq(t,
			`{"choices":[{"delta":{"content":"Tool calls were declined by the user."}}]}`,
			events[0].Data)

		require.Empty(t, up.recorded())
		require.Empty(t, session.names())

		_, err := svc.LoadPending(p.ID)
		require.True(t, IsNotExist(err))
	})

	t.Run("approved executes tools and streams the follow-up", func(t *testing.T) {
		up := newStubUpstream([]string{contentFrame, finishFrame})
		session := &stubSession{result: textResult("done")}
		svc, _ := newTestService(t, up, session)
		p := pendingFixture()
		require.NoError(t, svc.pending.Put(p))

		events := collect(svc.Resume(context.Background(), p, true))
		require.Equal(t, []Event{{Data: contentFrame}, {Data: finishFrame}}, events)
		require.Equal(t, []string{"read_file"}, session.names())

		reqs := up.recorded()
		require.Len(t, reqs, 1)
		require.Empty(t, reqs[0].Tools)

		_, err := svc.LoadPending(p.ID)
		require.True(t, IsNotExist(err))
	})

	t.Run("tool timeout becomes an error result", func(t *testing.T) {
		up := newStubUpstream([]string{finishFrame})
		session := &stubSession{delay: 200 * time.Millisecond}
		svc, cfg := newTestService(t, up, session)
		cfg.MCPCallTimeout = 20 * time.Millisecond
		p := pendingFixture()

		events := collect(svc.Resume(context.Background(), p, true))
		require.Equal(t, []Event{{Data: finishFrame}}, events)

		reqs := up.recorded()
		require.Len(t, reqs, 1)
		last := reqs[0].Messages[len(reqs[0].Messages)-1]
		require.Equal(t, "tool", last["role"])
		require.Equal(t, "Error: read_file timed out", last["content"])
	})

	t.Run("unknown tool server fails the stream", func(t *testing.T) {
		up := newStubUpstream()
		svc, _ := newTestService(t, up, nil)
		p := pendingFixture()
		p.ServerType = "nope"

		events := collect(svc.Resume(context.Background(), p, true))
		require.Len(t, events, 1)
		require.ErrorIs(t, events[0].Err, mcp.ErrUnknownServer)
	})
}

func TestChat(t *testing.T) {
	up := newStubUpstream()
	svc, _ := newTestService(t, up, nil)

	raw, err := svc.Chat(context.Background(), "", "ping")
	require.NoError(t, err)
	require.JSONEq(t, `{"choices":[{"message":{"content":"pong"}}]}`, string(raw))

	reqs := up.recorded()
	require.Len(t, reqs, 1)
	require.Equal(t, "test/model", reqs[0].Model)
	require.False(t, reqs[0].Stream)
}

func newTestService(t *testing.T, up *stubUpstream, session *stubSession) (*Service, *config.Config) {
	t.Helper()

	srv := httptest.NewServer(up.handler())
	t.Cleanup(srv.Close)

	client, err := openrouter.New(openrouter.Config{APIKey: "test-key", BaseURL: srv.URL})
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

	store, err := NewPendingStore(t.TempDir())
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	manager := mcp.New(&cfg, logger, connect)
	catalog := openrouter.NewCatalog(client, time.Minute)
	return New(&cfg, client, catalog, manager, store, logger), &cfg
}

func collect(seq iter.Seq[Event]) []Event {
	var events []Event
	for ev := range seq {
		events = append(events, ev)
	}
	return events
}

func userText(text string) []proto.Message {
	return []proto.Message{{Role: proto.RoleUser, Text: text}}
}

func pendingFixture() Pending {
	return Pending{
		ID:         storage.NewPendingID(),
		ModelID:    "test/model",
		ServerType: "files",
		Messages:   userText("read my notes"),
		ToolCalls: []proto.ToolCall{{
			ID:   "call_1",
			Type: "function",
			Function: proto.FunctionCall{
				Name:      "read_file",
				Arguments: `{"path":"/tmp/notes"}`,
			},
		}},
		CreatedAt: time.Now().UTC(),
	}
}

func textResult(text string) *mcpgo.CallToolResult {
	return &mcpgo.CallToolResult{
		Content: []mcpgo.Content{mcpgo.TextContent{Type: "text", Text: text}},
	}
}

// stubUpstream is a test double for the completion API. Each scripted frame
// list serves one streaming request in order; non-streaming requests get a
// fixed document.
type stubUpstream struct {
	mu       sync.Mutex
	streams  [][]string
	requests []recordedRequest
}

type recordedRequest struct {
	Model    string           `json:"model"`
	Stream   bool             `json:"stream"`
	Messages []map[string]any `json:"messages"`
	Tools    []map[string]any `json:"tools"`
	Plugins  []map[string]any `json:"plugins"`
}

func newStubUpstream(streams ...[]string) *stubUpstream {
	return &stubUpstream{streams: streams}
}

func (u *stubUpstream) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /models", func(w http.ResponseWriter, _ *http.Request) {
		models := []openrouter.Model{{
			ID: "test/model",
			Architecture: openrouter.Architecture{
				InputModalities:  []string{"text", "file"},
				OutputModalities: []string{"text"},
			},
		}}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": models})
	})
	mux.HandleFunc("POST /chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var req recordedRequest
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

		if !req.Stream {
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

func (u *stubUpstream) recorded() []recordedRequest {
	u.mu.Lock()
	defer u.mu.Unlock()
	return slices.Clone(u.requests)
}

// stubSession is a test double for a connected tool server.
type stubSession struct {
	mu    sync.Mutex
	calls []string

	result *mcpgo.CallToolResult
	err    error
	delay  time.Duration
}

func (s *stubSession) CallTool(ctx context.Context, name string, _ map[string]any) (*mcpgo.CallToolResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, name)
	s.mu.Unlock()

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	if s.result != nil {
		return s.result, nil
	}
	return textResult("ok"), nil
}

func (s *stubSession) Close() error { return nil }

func (s *stubSession) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}
