// Package llmclient implements the LLM client contract the extractor and
// consolidator consume: StreamSimple(model, context, options) returning a
// stream of text/thinking deltas and a final AssistantMessage carrying
// zero or more tool-call blocks, accumulated from the SDK's
// content-block-start/delta events into per-index buffers.
package llmclient

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/vinayprograms/agenr/internal/alog"
)

// ToolDef describes one callable tool the model may invoke, e.g.
// submit_knowledge or submit_deduped_knowledge.
type ToolDef struct {
	Name        string
	Description string
	Schema      map[string]any
}

// ToolCall is one tool invocation surfaced by the model.
type ToolCall struct {
	Name      string
	Arguments json.RawMessage
}

// AssistantMessage is the accumulated result of a stream.
type AssistantMessage struct {
	Text      string
	ToolCalls []ToolCall
}

// EventKind enumerates the streamed event shapes.
type EventKind int

const (
	EventTextDelta EventKind = iota
	EventThinkingDelta
	EventError
)

// Event is one item from a StreamHandle's event sequence.
type Event struct {
	Kind  EventKind
	Text  string
	Err   error
}

// Options configures a streamSimple call.
type Options struct {
	System    string
	Tools     []ToolDef
	MaxTokens int64
}

// StreamHandle is the async event sequence plus a deferred final result.
type StreamHandle struct {
	Events <-chan Event
	done   <-chan struct{}
	msg    *AssistantMessage
	err    *error
}

// Result blocks until the stream completes and returns the accumulated
// AssistantMessage, or the terminal error.
func (h *StreamHandle) Result() (AssistantMessage, error) {
	<-h.done
	if h.err != nil && *h.err != nil {
		return AssistantMessage{}, *h.err
	}
	if h.msg == nil {
		return AssistantMessage{}, nil
	}
	return *h.msg, nil
}

// Client wraps the Anthropic Messages API behind the streamSimple contract.
type Client struct {
	sdk          anthropic.Client
	defaultModel string
	log          *alog.Logger
}

const defaultMaxTokens int64 = 4096

// New builds a Client authenticated with apiKey, defaulting to model when
// a call doesn't override it.
func New(apiKey, model string, log *alog.Logger) *Client {
	if log == nil {
		log = alog.Default
	}
	return &Client{
		sdk:          anthropic.NewClient(option.WithAPIKey(apiKey)),
		defaultModel: model,
		log:          log.WithComponent("llmclient"),
	}
}

// StreamSimple streams a single-turn completion for userPrompt under
// opts.System, with opts.Tools available for the model to call. It returns
// immediately with a StreamHandle; the caller drains Events and/or calls
// Result().
func (c *Client) StreamSimple(ctx context.Context, model, userPrompt string, opts Options) *StreamHandle {
	events := make(chan Event, 16)
	done := make(chan struct{})
	h := &StreamHandle{Events: events, done: done}

	go func() {
		defer close(events)
		defer close(done)

		m := model
		if m == "" {
			m = c.defaultModel
		}
		maxTokens := opts.MaxTokens
		if maxTokens <= 0 {
			maxTokens = defaultMaxTokens
		}

		params := anthropic.MessageNewParams{
			Model:     anthropic.Model(m),
			MaxTokens: maxTokens,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
			},
		}
		if opts.System != "" {
			params.System = []anthropic.TextBlockParam{{Text: opts.System}}
		}
		if len(opts.Tools) > 0 {
			params.Tools = adaptTools(opts.Tools)
		}

		stream := c.sdk.Messages.NewStreaming(ctx, params)
		defer func() { _ = stream.Close() }()

		var acc anthropic.Message
		var textBuf strings.Builder
		toolBuffers := map[int64]*toolBuffer{}

		for stream.Next() {
			event := stream.Current()
			_ = acc.Accumulate(event)

			switch ev := event.AsAny().(type) {
			case anthropic.ContentBlockStartEvent:
				if block, ok := ev.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
					toolBuffers[ev.Index] = &toolBuffer{name: block.Name}
				}
			case anthropic.ContentBlockDeltaEvent:
				switch delta := ev.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if delta.Text != "" {
						textBuf.WriteString(delta.Text)
						events <- Event{Kind: EventTextDelta, Text: delta.Text}
					}
				case anthropic.InputJSONDelta:
					if tb := toolBuffers[ev.Index]; tb != nil {
						tb.buf.WriteString(delta.PartialJSON)
					}
				case anthropic.ThinkingDelta:
					if delta.Thinking != "" {
						events <- Event{Kind: EventThinkingDelta, Text: delta.Thinking}
					}
				}
			}
		}

		if err := stream.Err(); err != nil {
			c.log.Error("stream_error", err, map[string]any{"model": m})
			events <- Event{Kind: EventError, Err: err}
			e := err
			h.err = &e
			return
		}

		msg := AssistantMessage{Text: textBuf.String()}
		indices := make([]int, 0, len(toolBuffers))
		for idx := range toolBuffers {
			indices = append(indices, int(idx))
		}
		sort.Ints(indices)
		for _, idx := range indices {
			tb := toolBuffers[int64(idx)]
			raw := tb.buf.String()
			if strings.TrimSpace(raw) == "" {
				raw = "{}"
			}
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{Name: tb.name, Arguments: json.RawMessage(raw)})
		}
		h.msg = &msg
	}()

	return h
}

type toolBuffer struct {
	name string
	buf  strings.Builder
}

func adaptTools(tools []ToolDef) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		schema := anthropic.ToolInputSchemaParam{}
		if props, ok := t.Schema["properties"]; ok {
			schema.Properties = props
		}
		if req, ok := t.Schema["required"].([]string); ok {
			schema.Required = req
		}
		param := anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(t.Description),
			InputSchema: schema,
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out
}

// IsTransient classifies err per the retry policy: HTTP 429/5xx,
// network errors, timeouts, or response text mentioning rate limiting are
// retried with backoff; everything else (auth, invalid key) fails fast.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"429", "500", "502", "503", "504", "timeout", "rate limit", "connection reset", "temporarily unavailable"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// IsAuth classifies err as a fatal authentication/authorization failure
// (401/403 or an invalid-key message), which must not be retried.
func IsAuth(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "401") || strings.Contains(msg, "403") ||
		strings.Contains(msg, "invalid api key") || strings.Contains(msg, "unauthorized")
}

// ToolSchema is a convenience constructor for the submit_knowledge /
// submit_deduped_knowledge tool schemas used by the extractor.
func ToolSchema(properties map[string]any, required ...string) map[string]any {
	s := map[string]any{"properties": properties}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}
