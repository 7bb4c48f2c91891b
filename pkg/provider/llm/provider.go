// Package llm defines the Provider interface for language-model backends.
//
// A provider wraps a remote or local model API (OpenAI, Anthropic, a local
// Ollama instance, …) and exposes the uniform completion interface the
// orchestration loop needs, without coupling it to any specific SDK.
//
// Implementors must be safe for concurrent use and must propagate context
// cancellation promptly.
package llm

import "context"

// Usage holds token accounting returned by the model backend. Counts are in
// the model's native token unit and feed directly into credit accounting.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input messages,
	// system prompt, and tool manifest.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens. Some providers return it
	// directly rather than computing it from the parts.
	TotalTokens int
}

// CompletionRequest carries everything the model needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is
	// typically from the "user" or "tool" role and drives the response.
	Messages []Message

	// Tools is the manifest of tool definitions offered to the model, already
	// ordered by domain priority. An empty manifest forbids tool calling and
	// forces a plain-text answer.
	Tools []ToolDefinition

	// SystemPrompt is a high-priority instruction injected before the
	// conversation history.
	SystemPrompt string

	// Temperature controls output randomness in [0.0, 2.0]. Zero means use
	// the provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means use the
	// provider default.
	MaxTokens int
}

// CompletionResponse is the model's reply to a single completion request.
//
// Exactly one of the two shapes matters to the caller: a final text answer
// (ToolCalls empty) or a batch of tool-call requests (ToolCalls non-empty,
// Content possibly empty). Usage is always populated.
type CompletionResponse struct {
	// Content is the text of the assistant's reply. Empty when the model
	// responds exclusively with tool calls.
	Content string

	// ToolCalls lists the tool invocations the model requests. The caller
	// executes them and appends the results to the conversation before the
	// next completion.
	ToolCalls []ToolCall

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any language-model backend.
//
// Implementations must be safe for concurrent use from multiple goroutines.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	// Returns an error if the request fails or ctx is cancelled first.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates the number of tokens the given messages would
	// consume in the model's context window. The orchestrator uses it to size
	// credit reservations before a request, so the result should not
	// undercount.
	CountTokens(messages []Message) (int, error)

	// Capabilities returns static metadata about the underlying model,
	// constant for the lifetime of the Provider instance.
	Capabilities() ModelCapabilities
}
