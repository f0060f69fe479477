package proto

import "encoding/json"

// ChatMessage is one message of an upstream completion request. User-authored
// turns carry their content as Blocks; tool results and synthesized assistant
// turns carry a plain Content string. Marshaling emits whichever is set,
// preferring Blocks.
type ChatMessage struct {
	Role       Role
	Content    string
	Blocks     []ContentBlock
	Name       string
	ToolCallID string
	ToolCalls  []ToolCall
}

// MarshalJSON emits the API shape, collapsing Content/Blocks into the single
// polymorphic "content" field the completion API expects.
func (m ChatMessage) MarshalJSON() ([]byte, error) {
	wire := struct {
		Role       Role       `json:"role"`
		Content    any        `json:"content"`
		Name       string     `json:"name,omitempty"`
		ToolCallID string     `json:"tool_call_id,omitempty"`
		ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	}{
		Role:       m.Role,
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
		ToolCalls:  m.ToolCalls,
	}
	if m.Blocks != nil {
		wire.Content = m.Blocks
	} else {
		wire.Content = m.Content
	}
	return json.Marshal(wire)
}

// ToolCall is a model-issued function invocation.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the function and carries its arguments as the raw JSON
// string accumulated from streaming fragments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDescriptor advertises one callable tool in a completion request.
type ToolDescriptor struct {
	Type     string   `json:"type"`
	Function Function `json:"function"`
}

// Function describes a tool's name and JSON-schema parameters.
type Function struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolResult is the normalized outcome of executing one ToolCall. Exactly one
// of Content or Error is meaningful, selected by Success.
type ToolResult struct {
	ToolCallID string          `json:"tool_call_id"`
	Name       string          `json:"tool_name"`
	Args       json.RawMessage `json:"tool_args,omitempty"`
	Success    bool            `json:"success"`
	Content    any             `json:"content,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Plugin configures an upstream preprocessing plugin.
type Plugin struct {
	ID  string     `json:"id"`
	PDF *PDFConfig `json:"pdf,omitempty"`
}

// PDFConfig selects the engine used to extract document text.
type PDFConfig struct {
	Engine string `json:"engine"`
}

// FileParserPlugin returns the plugin entry that lets models without native
// document support read PDF attachments.
func FileParserPlugin() Plugin {
	return Plugin{ID: "file-parser", PDF: &PDFConfig{Engine: "pdf-text"}}
}

// Payload is the body of an upstream completion request.
type Payload struct {
	Model      string           `json:"model"`
	Messages   []ChatMessage    `json:"messages"`
	Stream     bool             `json:"stream,omitempty"`
	Modalities []string         `json:"modalities,omitempty"`
	Tools      []ToolDescriptor `json:"tools,omitempty"`
	Plugins    []Plugin         `json:"plugins,omitempty"`
}

// Chunk is one decoded streaming frame payload.
type Chunk struct {
	Choices []ChunkChoice `json:"choices"`
}

// ChunkChoice is one choice of a streaming frame.
type ChunkChoice struct {
	Delta        Delta  `json:"delta"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// Delta carries the incremental fields of a streamed choice.
type Delta struct {
	Content   string          `json:"content,omitempty"`
	ToolCalls []ToolCallDelta `json:"tool_calls,omitempty"`
}

// ToolCallDelta is one streamed fragment of a tool call. Index is a pointer
// so fragments without one can be told apart from index zero.
type ToolCallDelta struct {
	Index    *int   `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}
