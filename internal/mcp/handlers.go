package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/kuitang/mailcode/internal/errs"
	"github.com/kuitang/mailcode/internal/obs"
	"github.com/kuitang/mailcode/internal/verify"
)

// Defaults apply when a tool call omits an argument.
type Defaults struct {
	Sender  string
	Window  time.Duration
	MaxWait time.Duration
}

// Handler implements MCP tool call handling over one connected Retriever.
// Calls are serialized because a Retriever is single-flow.
type Handler struct {
	mu        sync.Mutex
	retriever *verify.Retriever
	defaults  Defaults
}

// NewHandler creates a new MCP handler.
func NewHandler(r *verify.Retriever, defaults Defaults) *Handler {
	if defaults.Window <= 0 {
		defaults.Window = verify.DefaultRecencyWindow
	}
	if defaults.MaxWait <= 0 {
		defaults.MaxWait = time.Minute
	}
	return &Handler{retriever: r, defaults: defaults}
}

// createToolHandler returns a tool handler function for the given tool name.
func (h *Handler) createToolHandler(name string) func(ctx context.Context, req *mcp.CallToolRequest, args map[string]any) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, args map[string]any) (*mcp.CallToolResult, any, error) {
		result, err := h.HandleToolCall(ctx, name, args)
		return result, nil, err
	}
}

// HandleToolCall routes tool calls to appropriate handlers. Domain failures
// become error results so the calling agent can read them.
func (h *Handler) HandleToolCall(ctx context.Context, name string, arguments map[string]any) (*mcp.CallToolResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	l := obs.From(ctx).With("pkg", "mcp", "tool", name)
	var (
		result *mcp.CallToolResult
		err    error
	)
	switch name {
	case ToolFindCode:
		result, err = h.handleFindCode(ctx, arguments)
	case ToolWaitCode:
		result, err = h.handleWaitCode(ctx, arguments)
	case ToolPurgeMail:
		result, err = h.handlePurge(ctx, arguments)
	default:
		return newToolResultError(fmt.Sprintf("unknown tool: %s", name)), nil
	}
	if err != nil {
		l.Warn("tool_call_failed", "code", string(errs.CodeOf(err)), "error", err)
		return newToolResultError(errs.MessageOf(err)), nil
	}
	l.Info("tool_call_succeeded")
	return result, nil
}

func (h *Handler) handleFindCode(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
	sender, err := h.sender(args)
	if err != nil {
		return nil, err
	}
	window, err := secondsArg(args, "window_seconds", h.defaults.Window)
	if err != nil {
		return nil, err
	}
	found, err := h.retriever.FindCode(ctx, sender, window)
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, errs.New(errs.NotFound, "no verification code found")
	}
	return newToolResultText(marshalToolJSON(map[string]any{
		"code":       found.Code,
		"message_id": found.MessageID,
	})), nil
}

func (h *Handler) handleWaitCode(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
	sender, err := h.sender(args)
	if err != nil {
		return nil, err
	}
	maxWait, err := secondsArg(args, "max_wait_seconds", h.defaults.MaxWait)
	if err != nil {
		return nil, err
	}
	consume, _ := args["consume"].(bool)

	var code string
	if consume {
		code, err = h.retriever.WaitForCodeAndConsume(ctx, sender, maxWait)
	} else {
		code, err = h.retriever.WaitForCode(ctx, sender, maxWait)
	}
	if err != nil {
		return nil, err
	}
	return newToolResultText(marshalToolJSON(map[string]any{
		"code":     code,
		"consumed": consume,
	})), nil
}

func (h *Handler) handlePurge(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
	sender, err := h.sender(args)
	if err != nil {
		return nil, err
	}
	window, err := secondsArg(args, "window_seconds", h.defaults.Window)
	if err != nil {
		return nil, err
	}
	n, err := h.retriever.PurgeRecent(ctx, sender, window)
	if err != nil {
		return nil, err
	}
	return newToolResultText(marshalToolJSON(map[string]any{"deleted": n})), nil
}

func (h *Handler) sender(args map[string]any) (string, error) {
	raw, ok := args["sender"]
	if !ok || raw == nil {
		if strings.TrimSpace(h.defaults.Sender) == "" {
			return "", errs.New(errs.InvalidArgument, "sender is required")
		}
		return strings.TrimSpace(h.defaults.Sender), nil
	}
	s, ok := raw.(string)
	if s = strings.TrimSpace(s); !ok || s == "" {
		return "", errs.New(errs.InvalidArgument, "sender must be a non-empty string")
	}
	return s, nil
}

// maxSeconds bounds duration arguments so they cannot overflow time.Duration.
const maxSeconds = 24 * 60 * 60

// secondsArg reads a whole number of seconds. JSON numbers arrive as float64.
func secondsArg(args map[string]any, key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return fallback, nil
	}
	f, ok := raw.(float64)
	if !ok || f < 1 || f != math.Trunc(f) {
		return 0, errs.New(errs.InvalidArgument, key+" must be a positive integer")
	}
	if f > maxSeconds {
		return 0, errs.New(errs.InvalidArgument, fmt.Sprintf("%s must be at most %d", key, maxSeconds))
	}
	return time.Duration(f) * time.Second, nil
}

// newToolResultText creates a successful tool result with text content.
func newToolResultText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}
}

// newToolResultError creates a tool result indicating an error.
func newToolResultError(message string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: message},
		},
		IsError: true,
	}
}

func marshalToolJSON(value any) string {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal response","detail":%q}`, err.Error())
	}
	return string(data)
}
