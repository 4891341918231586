package mcp

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"pgregory.net/rapid"

	"github.com/kuitang/mailcode/internal/mailbox"
	"github.com/kuitang/mailcode/internal/verify"
)

const testSender = "noreply@acme.test"

var t0 = time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

func newTestHandler(t *testing.T, defaults Defaults) (*Handler, *mailbox.MemorySession, *verify.FakeClock) {
	t.Helper()
	clock := verify.NewFakeClock(t0)
	box := mailbox.NewMemorySession(clock.Now)
	r := verify.NewRetriever(verify.ConnectorFunc(func(context.Context) (mailbox.Session, error) {
		return box, nil
	}), verify.Options{Clock: clock, Sleeper: clock})
	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return NewHandler(r, defaults), box, clock
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) != 1 {
		t.Fatalf("expected one content item, got %d", len(res.Content))
	}
	text, ok := res.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", res.Content[0])
	}
	return text.Text
}

func decodeResult(t *testing.T, res *mcp.CallToolResult) map[string]any {
	t.Helper()
	if res.IsError {
		t.Fatalf("unexpected error result: %s", resultText(t, res))
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(resultText(t, res)), &out); err != nil {
		t.Fatalf("result is not JSON: %v", err)
	}
	return out
}

func TestHandler_FindCode(t *testing.T) {
	t.Parallel()
	h, box, _ := newTestHandler(t, Defaults{Sender: testSender})
	box.DeliverText(testSender, "Your code is 111111", t0.Add(-30*time.Second))
	id := box.DeliverText(testSender, "Your code is 222222", t0.Add(-10*time.Second))

	res, err := h.HandleToolCall(context.Background(), ToolFindCode, map[string]any{})
	if err != nil {
		t.Fatalf("HandleToolCall: %v", err)
	}
	out := decodeResult(t, res)
	if out["code"] != "222222" || out["message_id"] != id {
		t.Fatalf("mismatch: got=%v", out)
	}
}

func TestHandler_FindCodeNothingRecent(t *testing.T) {
	t.Parallel()
	h, box, _ := newTestHandler(t, Defaults{Sender: testSender})
	box.DeliverText(testSender, "Your code is 333333", t0.Add(-10*time.Minute))

	res, err := h.HandleToolCall(context.Background(), ToolFindCode, map[string]any{"window_seconds": float64(60)})
	if err != nil {
		t.Fatalf("HandleToolCall: %v", err)
	}
	if !res.IsError || resultText(t, res) != "no verification code found" {
		t.Fatalf("expected not-found error result, got %+v", res)
	}
}

func TestHandler_WaitAndConsume(t *testing.T) {
	t.Parallel()
	h, box, _ := newTestHandler(t, Defaults{})
	id := box.DeliverText(testSender, "Verification: 4455", t0)

	res, err := h.HandleToolCall(context.Background(), ToolWaitCode, map[string]any{
		"sender":           testSender,
		"max_wait_seconds": float64(30),
		"consume":          true,
	})
	if err != nil {
		t.Fatalf("HandleToolCall: %v", err)
	}
	out := decodeResult(t, res)
	if out["code"] != "4455" || out["consumed"] != true {
		t.Fatalf("mismatch: got=%v", out)
	}
	if deleted := box.Deleted(); len(deleted) != 1 || deleted[0] != id {
		t.Fatalf("expected %s deleted, got %v", id, deleted)
	}
}

func TestHandler_WaitTimesOut(t *testing.T) {
	t.Parallel()
	h, _, clock := newTestHandler(t, Defaults{Sender: testSender, MaxWait: 20 * time.Second})

	res, err := h.HandleToolCall(context.Background(), ToolWaitCode, nil)
	if err != nil {
		t.Fatalf("HandleToolCall: %v", err)
	}
	if !res.IsError || resultText(t, res) != "code not found within 20s" {
		t.Fatalf("expected timeout error result, got %q", resultText(t, res))
	}
	if got := len(clock.Sleeps()); got != 2 {
		t.Fatalf("sleeps: got=%d want=2", got)
	}
}

func TestHandler_Purge(t *testing.T) {
	t.Parallel()
	h, box, _ := newTestHandler(t, Defaults{Sender: testSender})
	box.DeliverText(testSender, "code 123456", t0.Add(-time.Minute))
	box.DeliverText(testSender, "code 654321", t0)
	box.DeliverText("other@example.com", "code 999999", t0)

	res, err := h.HandleToolCall(context.Background(), ToolPurgeMail, map[string]any{})
	if err != nil {
		t.Fatalf("HandleToolCall: %v", err)
	}
	if out := decodeResult(t, res); out["deleted"] != float64(2) {
		t.Fatalf("mismatch: got=%v", out)
	}
	if box.Len() != 1 {
		t.Fatalf("expected foreign message kept, len=%d", box.Len())
	}
}

func TestHandler_ArgumentErrors(t *testing.T) {
	t.Parallel()
	h, _, _ := newTestHandler(t, Defaults{})
	cases := []struct {
		name string
		tool string
		args map[string]any
		want string
	}{
		{"no sender anywhere", ToolFindCode, map[string]any{}, "sender is required"},
		{"blank sender", ToolFindCode, map[string]any{"sender": "   "}, "sender must be a non-empty string"},
		{"window past a day", ToolFindCode, map[string]any{"sender": testSender, "window_seconds": float64(maxSeconds + 1)}, "window_seconds must be at most 86400"},
		{"huge wait", ToolWaitCode, map[string]any{"sender": testSender, "max_wait_seconds": 1e300}, "max_wait_seconds must be at most 86400"},
		{"sender wrong type", ToolFindCode, map[string]any{"sender": float64(3)}, "sender must be a non-empty string"},
		{"fractional window", ToolPurgeMail, map[string]any{"sender": testSender, "window_seconds": 1.5}, "window_seconds must be a positive integer"},
		{"unknown tool", "send_email", nil, "unknown tool: send_email"},
	}
	for _, tc := range cases {
		res, err := h.HandleToolCall(context.Background(), tc.tool, tc.args)
		if err != nil {
			t.Fatalf("%s: HandleToolCall: %v", tc.name, err)
		}
		if !res.IsError || resultText(t, res) != tc.want {
			t.Fatalf("%s: got=%q want=%q", tc.name, resultText(t, res), tc.want)
		}
	}
}

func TestHandler_BlankSenderNeverPurges(t *testing.T) {
	t.Parallel()
	h, box, _ := newTestHandler(t, Defaults{Sender: "  "})
	box.DeliverText("bank@example.com", "Your code is 123456", t0)
	box.DeliverText("friend@example.com", "lunch at 1230?", t0)

	for _, args := range []map[string]any{{"sender": "   "}, {}} {
		res, err := h.HandleToolCall(context.Background(), ToolPurgeMail, args)
		if err != nil {
			t.Fatalf("HandleToolCall: %v", err)
		}
		if !res.IsError {
			t.Fatalf("expected error result for args %v, got %s", args, resultText(t, res))
		}
	}
	if box.Len() != 2 {
		t.Fatalf("unrelated mail deleted: remaining=%d", box.Len())
	}
}

func TestHandler_SenderIsTrimmed(t *testing.T) {
	t.Parallel()
	h, box, _ := newTestHandler(t, Defaults{})
	box.DeliverText(testSender, "Your code is 246810", t0)

	res, err := h.HandleToolCall(context.Background(), ToolFindCode, map[string]any{"sender": "  " + testSender + " "})
	if err != nil {
		t.Fatalf("HandleToolCall: %v", err)
	}
	if out := decodeResult(t, res); out["code"] != "246810" {
		t.Fatalf("mismatch: got=%v", out)
	}
}

func testSecondsArg_WholeSeconds(t *rapid.T) {
	n := rapid.IntRange(1, maxSeconds).Draw(t, "n")
	got, err := secondsArg(map[string]any{"k": float64(n)}, "k", time.Hour)
	if err != nil {
		t.Fatalf("secondsArg(%d): %v", n, err)
	}
	if got != time.Duration(n)*time.Second {
		t.Fatalf("mismatch: got=%s want=%ds", got, n)
	}
}

func TestSecondsArg_WholeSeconds(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testSecondsArg_WholeSeconds)
}

func testSecondsArg_NeverOverflows(t *rapid.T) {
	f := rapid.Float64Range(maxSeconds+1, 1e300).Draw(t, "seconds")
	got, err := secondsArg(map[string]any{"k": math.Trunc(f)}, "k", time.Minute)
	if err == nil {
		t.Fatalf("secondsArg(%g) accepted, got %s", f, got)
	}
}

func TestSecondsArg_NeverOverflows(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testSecondsArg_NeverOverflows)
}

func TestToolDefinitions(t *testing.T) {
	t.Parallel()
	tools := ToolDefinitions()
	seen := map[string]bool{}
	for _, tool := range tools {
		if tool.Description == "" || tool.InputSchema == nil {
			t.Fatalf("tool %s is missing description or schema", tool.Name)
		}
		seen[tool.Name] = true
	}
	for _, name := range []string{ToolFindCode, ToolWaitCode, ToolPurgeMail} {
		if !seen[name] {
			t.Fatalf("missing tool %s", name)
		}
	}
}
