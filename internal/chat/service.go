// Package chat orchestrates completion rounds against the upstream API: it
// builds payloads, relays streaming frames, detects model tool calls,
// executes them over MCP connections, and feeds results back for the
// follow-up completion.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"time"

	"github.com/dotcommander/relay/internal/config"
	"github.com/dotcommander/relay/internal/errs"
	"github.com/dotcommander/relay/internal/mcp"
	"github.com/dotcommander/relay/internal/openrouter"
	"github.com/dotcommander/relay/internal/proto"
	"github.com/dotcommander/relay/internal/sse"
	"github.com/dotcommander/relay/internal/storage"
)

// readChunkSize is how much of the upstream body is read per call. Frames
// regularly span reads; the reassembler stitches them back together.
const readChunkSize = 1024

// declinedMessage is the synthesized reply when the user rejects a round's
// tool calls.
const declinedMessage = "Tool calls were declined by the user."

// Request describes one streaming chat turn.
type Request struct {
	ModelID     string
	Messages    []proto.Message
	ServerType  string
	AutoApprove bool
}

// Event is one element of a streaming chat sequence. Exactly one field is
// set: Data carries a verbatim upstream frame payload, Pending suspends the
// round for approval, Err terminates the stream.
type Event struct {
	Data    string
	Pending *Pending
	Err     error
}

// Service is the core orchestration layer for chat rounds.
//
// It is intentionally transport-agnostic and can be used by both the HTTP
// layer and headless commands.
type Service struct {
	cfg     *config.Config
	client  *openrouter.Client
	catalog *openrouter.Catalog
	mcp     *mcp.Manager
	pending *PendingStore
	logger  *slog.Logger
}

// New creates a chat service.
func New(cfg *config.Config, client *openrouter.Client, catalog *openrouter.Catalog, manager *mcp.Manager, pending *PendingStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:     cfg,
		client:  client,
		catalog: catalog,
		mcp:     manager,
		pending: pending,
		logger:  logger,
	}
}

// Chat issues a one-shot, non-streaming completion and returns the raw
// response document.
func (s *Service) Chat(ctx context.Context, modelID, prompt string) (json.RawMessage, error) {
	if modelID == "" {
		modelID = s.cfg.DefaultModel
	}
	model, err := s.catalog.Model(ctx, modelID)
	if err != nil {
		return nil, err
	}
	payload := proto.Payload{
		Model:      modelID,
		Messages:   proto.BuildConversation([]proto.Message{{Role: proto.RoleUser, Text: prompt}}),
		Modalities: model.Architecture.OutputModalities,
	}
	return s.client.Complete(ctx, payload)
}

// StreamChat starts a streaming chat round and returns its event sequence.
// Validation happens up front: an unknown model or an unsupported input
// modality fails here, before any frame is produced. The sequence itself is
// single-use and must be consumed on one goroutine.
//
// When the model requests tool calls, the sequence either suspends with a
// Pending event (approval required) or runs the tool round inline
// (AutoApprove) and streams the follow-up completion.
func (s *Service) StreamChat(ctx context.Context, req Request) (iter.Seq[Event], error) {
	if req.ModelID == "" {
		req.ModelID = s.cfg.DefaultModel
	}
	model, err := s.catalog.Model(ctx, req.ModelID)
	if err != nil {
		return nil, err
	}
	if err := validateInputs(model, req.Messages); err != nil {
		return nil, err
	}

	payload := proto.Payload{
		Model:      req.ModelID,
		Messages:   proto.BuildConversation(req.Messages),
		Modalities: model.Architecture.OutputModalities,
	}
	if proto.HasDocuments(req.Messages) {
		payload.Plugins = []proto.Plugin{proto.FileParserPlugin()}
	}
	if req.ServerType != "" {
		tools, err := s.mcp.ListTools(ctx, req.ServerType)
		if err != nil {
			// A dead tool server degrades to a plain chat round.
			s.logger.Warn("loading tools failed, continuing without them",
				"server", req.ServerType, "error", err)
		} else {
			payload.Tools = tools
		}
	}

	return func(yield func(Event) bool) {
		s.streamFirstRound(ctx, req, payload, yield)
	}, nil
}

func (s *Service) streamFirstRound(ctx context.Context, req Request, payload proto.Payload, yield func(Event) bool) {
	body, err := s.client.OpenStream(ctx, payload)
	if err != nil {
		yield(Event{Err: err})
		return
	}

	rd := &round{}
	completed := s.pumpFirstRound(ctx, body, rd, len(payload.Tools) > 0, yield)
	// The first connection is fully closed before any tool work or
	// suspension happens.
	body.Close() //nolint:errcheck,gosec
	if !completed {
		return
	}

	calls := rd.toolCalls()
	if len(calls) == 0 {
		return
	}

	p := Pending{
		ID:            storage.NewPendingID(),
		ModelID:       req.ModelID,
		ServerType:    req.ServerType,
		Messages:      req.Messages,
		ToolCalls:     calls,
		AssistantText: rd.assistantText(),
		CreatedAt:     time.Now().UTC(),
	}

	if req.AutoApprove {
		s.continueWithToolRound(ctx, p, payload, yield)
		return
	}

	// Approval arrives on a later request, which may carry only the pending
	// ID. Persistence failures degrade to inline resume, where the client
	// echoes the full round back.
	if err := s.pending.Put(p); err != nil {
		s.logger.Warn("could not persist pending tool calls", "id", p.ID, "error", err)
	}
	yield(Event{Pending: &p})
}

// pumpFirstRound relays the first-round stream. Frames carrying tool-call
// fragments are withheld and accumulated into rd; everything else is
// forwarded as-is. Returns false when the consumer or an error ended the
// stream early.
func (s *Service) pumpFirstRound(ctx context.Context, body io.Reader, rd *round, toolsArmed bool, yield func(Event) bool) bool {
	reasm := sse.New()
	buf := make([]byte, readChunkSize)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			for _, frame := range reasm.Feed(buf[:n]) {
				if frame.End {
					return true
				}
				forward := s.consumeFrame(frame.Data, rd, toolsArmed)
				if forward && !yield(Event{Data: frame.Data}) {
					return false
				}
			}
		}
		if readErr == io.EOF {
			return true
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return false
			}
			yield(Event{Err: fmt.Errorf("read upstream stream: %w", readErr)})
			return false
		}
	}
}

// consumeFrame parses one data payload and reports whether it should be
// forwarded downstream. Malformed payloads are logged and dropped; the
// stream keeps going.
func (s *Service) consumeFrame(data string, rd *round, toolsArmed bool) bool {
	var chunk proto.Chunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		s.logger.Debug("skipping malformed frame", "error", err)
		return false
	}
	forward := true
	for _, choice := range chunk.Choices {
		rd.addText(choice.Delta.Content)
		if toolsArmed && len(choice.Delta.ToolCalls) > 0 {
			rd.acc.add(choice.Delta.ToolCalls)
			forward = false
		}
	}
	return forward
}

// Resume continues a suspended round after an approval decision. Declined
// rounds produce a single synthesized frame and never touch the tool
// servers. Approved rounds execute every accumulated call in order and
// stream the follow-up completion.
func (s *Service) Resume(ctx context.Context, p Pending, approved bool) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		if p.ID != "" {
			defer func() {
				if err := s.pending.Delete(p.ID); err != nil && !IsNotExist(err) {
					s.logger.Warn("could not delete pending record", "id", p.ID, "error", err)
				}
			}()
		}
		if !approved {
			yield(Event{Data: declinedFrame()})
			return
		}
		base := proto.Payload{Model: p.ModelID}
		if proto.HasDocuments(p.Messages) {
			base.Plugins = []proto.Plugin{proto.FileParserPlugin()}
		}
		s.continueWithToolRound(ctx, p, base, yield)
	}
}

// LoadPending returns the stored pending record for id.
func (s *Service) LoadPending(id string) (Pending, error) {
	return s.pending.Get(id)
}

// continueWithToolRound executes the round's tool calls and streams the
// second completion. The base payload keeps the first round's modalities and
// plugins but never its tools: the follow-up request must not invite more
// tool calls.
func (s *Service) continueWithToolRound(ctx context.Context, p Pending, base proto.Payload, yield func(Event) bool) {
	conn, err := s.mcp.GetOrCreate(ctx, p.ServerType)
	if err != nil {
		yield(Event{Err: err})
		return
	}

	results := make([]proto.ToolResult, 0, len(p.ToolCalls))
	for _, call := range p.ToolCalls {
		results = append(results, s.mcp.Execute(ctx, conn, call))
	}

	conv := proto.BuildConversation(p.Messages)
	conv = proto.AppendToolRound(conv, p.ToolCalls, results)

	base.Model = p.ModelID
	base.Messages = conv
	base.Tools = nil

	body, err := s.client.OpenStream(ctx, base)
	if err != nil {
		yield(Event{Err: err})
		return
	}
	defer body.Close() //nolint:errcheck

	s.pumpVerbatim(ctx, body, yield)
}

// pumpVerbatim forwards frames untouched. The second round offers no tools,
// so nothing needs parsing.
func (s *Service) pumpVerbatim(ctx context.Context, body io.Reader, yield func(Event) bool) {
	reasm := sse.New()
	buf := make([]byte, readChunkSize)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			for _, frame := range reasm.Feed(buf[:n]) {
				if frame.End {
					return
				}
				if !yield(Event{Data: frame.Data}) {
					return
				}
			}
		}
		if readErr == io.EOF {
			return
		}
		if readErr != nil {
			if ctx.Err() == nil {
				yield(Event{Err: fmt.Errorf("read upstream stream: %w", readErr)})
			}
			return
		}
	}
}

// Servers lists the names of enabled tool servers.
func (s *Service) Servers() []string {
	return s.mcp.Servers()
}

// ServerTools lists the named server's tool descriptors, connecting first if
// needed.
func (s *Service) ServerTools(ctx context.Context, serverType string) ([]proto.ToolDescriptor, error) {
	return s.mcp.ListTools(ctx, serverType)
}

// ServerConnected reports whether a live connection exists for the named
// server.
func (s *Service) ServerConnected(serverType string) bool {
	return s.mcp.Connected(serverType)
}

// CloseToolConnections tears down every tool-server connection.
func (s *Service) CloseToolConnections() {
	s.mcp.CleanupAll()
}

func validateInputs(model openrouter.Model, msgs []proto.Message) error {
	if proto.HasImages(msgs) && !model.SupportsInput("image") {
		return errs.Error{
			Err:    fmt.Errorf("model %s does not accept image input", model.ID),
			Reason: "Model does not support image input",
		}
	}
	if proto.HasAudio(msgs) && !model.SupportsInput("audio") {
		return errs.Error{
			Err:    fmt.Errorf("model %s does not accept audio input", model.ID),
			Reason: "Model does not support audio input",
		}
	}
	return nil
}

func declinedFrame() string {
	b, err := json.Marshal(proto.Chunk{
		Choices: []proto.ChunkChoice{{Delta: proto.Delta{Content: declinedMessage}}},
	})
	if err != nil {
		return `{"choices":[{"delta":{"content":"Tool calls were declined by the user."}}]}`
	}
	return string(b)
}
