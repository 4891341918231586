package mcp

import "github.com/modelcontextprotocol/go-sdk/mcp"

// Tool names.
const (
	ToolFindCode  = "find_verification_code"
	ToolWaitCode  = "wait_for_verification_code"
	ToolPurgeMail = "purge_verification_emails"
)

// ToolDefinitions returns the verification code tools.
func ToolDefinitions() []*mcp.Tool {
	senderProp := map[string]any{
		"type":        "string",
		"description": "Sender address or domain the code is sent from, e.g. noreply@example.com. Defaults to the configured sender.",
	}
	windowProp := map[string]any{
		"type":        "integer",
		"description": "Only consider messages received within this many seconds. Defaults to the configured recency window.",
		"minimum":     1,
		"maximum":     maxSeconds,
	}
	return []*mcp.Tool{
		{
			Name:        ToolFindCode,
			Description: "Look once for the newest one-time verification code from the sender and return it. Does not wait. Returns an error result when no recent message carries a code.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"sender":         senderProp,
					"window_seconds": windowProp,
				},
			},
		},
		{
			Name:        ToolWaitCode,
			Description: "Poll the mailbox until a verification code from the sender arrives, then return it. Call this right after submitting a login or signup form. Set consume=true to delete the message so a later call cannot read the same code.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"sender": senderProp,
					"max_wait_seconds": map[string]any{
						"type":        "integer",
						"description": "Give up after this many seconds. Defaults to the configured wait budget.",
						"minimum":     1,
						"maximum":     600,
					},
					"consume": map[string]any{
						"type":        "boolean",
						"description": "Delete the message the code came from.",
					},
				},
			},
		},
		{
			Name:        ToolPurgeMail,
			Description: "Delete recent messages from the sender so a stale code cannot be mistaken for the next one. Call before triggering a new code. Returns how many messages were deleted.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"sender":         senderProp,
					"window_seconds": windowProp,
				},
			},
		},
	}
}
