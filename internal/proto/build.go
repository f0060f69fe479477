package proto

import "encoding/json"

// BuildConversation expands route-layer messages into the content-block form
// the completion API expects. Blocks are emitted in a fixed order per
// message: text, image, audio, document. Roles pass through untouched.
func BuildConversation(msgs []Message) []ChatMessage {
	conv := make([]ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		blocks := []ContentBlock{}
		if m.Text != "" {
			blocks = append(blocks, TextBlock(m.Text))
		}
		if m.Image != nil {
			blocks = append(blocks, ImageBlock(*m.Image))
		}
		if m.Audio != nil {
			blocks = append(blocks, AudioBlock(*m.Audio))
		}
		if m.Document != nil {
			blocks = append(blocks, DocumentBlock(*m.Document))
		}
		conv = append(conv, ChatMessage{Role: m.Role, Blocks: blocks})
	}
	return conv
}

// AppendToolRound appends a completed tool round to the conversation: one
// assistant message carrying the round's tool calls, then one tool message
// per result in call order. Successful results are serialized whole so the
// model sees the full outcome record; failures collapse to a terse error
// line.
func AppendToolRound(conv []ChatMessage, calls []ToolCall, results []ToolResult) []ChatMessage {
	conv = append(conv, ChatMessage{
		Role:      RoleAssistant,
		ToolCalls: calls,
	})
	for _, res := range results {
		conv = append(conv, ChatMessage{
			Role:       RoleTool,
			ToolCallID: res.ToolCallID,
			Name:       res.Name,
			Content:    res.MessageContent(),
		})
	}
	return conv
}

// MessageContent renders the result as the content string of a role=tool
// message.
func (r ToolResult) MessageContent() string {
	if !r.Success {
		return "Error: " + r.Error
	}
	b, err := json.Marshal(r)
	if err != nil {
		return "Error: " + err.Error()
	}
	return string(b)
}
