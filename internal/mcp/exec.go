package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dotcommander/relay/internal/proto"
)

// Execute runs one tool call on the connection, bounded by the per-call
// timeout. The outcome is always a ToolResult; argument errors, transport
// failures, timeouts, and tool-reported errors all normalize into a failed
// result rather than an error, so one bad call never aborts its round.
func (m *Manager) Execute(ctx context.Context, conn *Conn, call proto.ToolCall) proto.ToolResult {
	result := proto.ToolResult{
		ToolCallID: call.ID,
		Name:       call.Function.Name,
	}

	args := map[string]any{}
	if raw := strings.TrimSpace(call.Function.Arguments); raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			result.Error = fmt.Sprintf("invalid tool arguments: %v", err)
			return result
		}
		result.Args = json.RawMessage(raw)
	}

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.MCPCallTimeout)
	defer cancel()

	start := time.Now()
	conn.mu.Lock()
	payload, err := conn.session.CallTool(callCtx, call.Function.Name, args)
	conn.mu.Unlock()

	switch {
	case errors.Is(err, context.DeadlineExceeded), err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded):
		result.Error = call.Function.Name + " timed out"
	case err != nil:
		result.Error = err.Error()
	default:
		text := flattenContent(payload.Content)
		if payload.IsError {
			result.Error = text
		} else {
			result.Success = true
			result.Content = text
		}
	}

	m.logger.Debug("tool call executed",
		"server", conn.key.ServerType,
		"tool", call.Function.Name,
		"success", result.Success,
		"took", time.Since(start).Round(time.Millisecond))
	return result
}

func flattenContent(blocks []mcp.Content) string {
	var sb strings.Builder
	for _, content := range blocks {
		switch content := content.(type) {
		case mcp.TextContent:
			sb.WriteString(content.Text)
		default:
			sb.WriteString("[Non-text content]")
		}
	}
	return sb.String()
}
