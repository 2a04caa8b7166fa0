// Package agent defines the provider-facing contract used by the permission
// arbiter's LLM-assisted decision path. It deliberately knows nothing about
// process supervision or worktrees — those live in internal/agentruntime.
package agent

import (
	"context"

	"github.com/haasonsaas/nexus/pkg/models"
)

// Model describes a model offered by a provider.
type Model struct {
	ID             string
	Name           string
	ContextSize    int
	SupportsVision bool
}

// CompletionMessage is a single turn in a completion request.
type CompletionMessage struct {
	Role        string
	Content     string
	ToolCalls   []models.ToolCall
	ToolResults []models.ToolResult
}

// CompletionRequest describes a single-shot or streaming completion call.
type CompletionRequest struct {
	Model                string
	System               string
	Messages             []CompletionMessage
	Tools                []Tool
	MaxTokens            int
	Temperature          float64
	EnableThinking       bool
	ThinkingBudgetTokens int
}

// CompletionChunk is one unit of a streamed completion response. Exactly one
// of Text, Thinking, ThinkingStart, ThinkingEnd, ToolCall, Done or Error is
// meaningful per chunk.
type CompletionChunk struct {
	Text          string
	Thinking      string
	ThinkingStart bool
	ThinkingEnd   bool
	ToolCall      *models.ToolCall
	Done          bool
	InputTokens   int
	OutputTokens  int
	Error         error
}

// Tool is the minimal shape a provider needs to describe a callable tool.
type Tool interface {
	Name() string
	Description() string
	Schema() []byte
}

// ToolResult is the outcome of executing a Tool. Kept as an alias of
// models.ToolResult so provider test doubles can construct either spelling.
type ToolResult = models.ToolResult

// ComputerUseConfig configures Anthropic's built-in computer-use tool.
type ComputerUseConfig struct {
	DisplayWidthPx  int
	DisplayHeightPx int
	DisplayNumber   int
}

// ComputerUseConfigProvider is implemented by tools that map onto Anthropic's
// native computer-use tool rather than a regular JSON-schema tool.
type ComputerUseConfigProvider interface {
	ComputerUseConfig() *ComputerUseConfig
}

// LLMProvider is a single-call or streaming chat completion backend. The
// permission arbiter uses it for the optional LLM-assisted allow/deny/ask
// classification of tool calls that static rules leave ambiguous.
type LLMProvider interface {
	Name() string
	Models() []Model
	SupportsTools() bool
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)
}
