package types

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncate(t *testing.T) {
	t.Run("ShortStringUnchanged", func(t *testing.T) {
		assert.Equal(t, "hello", Truncate("hello", 10))
	})

	t.Run("Disabled", func(t *testing.T) {
		long := strings.Repeat("x", 100)
		assert.Equal(t, long, Truncate(long, 0))
	})

	t.Run("CutsWithMarker", func(t *testing.T) {
		got := Truncate(strings.Repeat("a", 20), 5)
		assert.Equal(t, "aaaaa\n...[truncated 15 bytes]", got)
	})

	t.Run("Deterministic", func(t *testing.T) {
		in := strings.Repeat("abc", 50)
		assert.Equal(t, Truncate(in, 7), Truncate(in, 7))
	})

	t.Run("RespectsRuneBoundary", func(t *testing.T) {
		// "é" is two bytes; cutting at 2 would split the second rune.
		got := Truncate("aéé", 2)
		assert.True(t, strings.HasPrefix(got, "a\n"))
		assert.Contains(t, got, "[truncated 4 bytes]")
	})
}

func TestToolResultRender(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		r := ToolResult{
			CallID:   "call_1",
			Outcome:  OutcomeSuccess,
			Payload:  map[string]any{"stdout": "499500\n"},
			Duration: 15 * time.Millisecond,
		}
		var doc map[string]any
		require.NoError(t, json.Unmarshal([]byte(r.Render(0)), &doc))
		assert.Equal(t, true, doc["ok"])
		assert.Equal(t, "499500\n", doc["result"].(map[string]any)["stdout"])
		assert.InDelta(t, 15, doc["duration_ms"], 0)
	})

	t.Run("Failure", func(t *testing.T) {
		r := ToolResult{CallID: "c", Outcome: OutcomeDenied, Message: "import of 'os' is not allowed", Kind: "import"}
		var doc map[string]any
		require.NoError(t, json.Unmarshal([]byte(r.Render(0)), &doc))
		assert.Equal(t, false, doc["ok"])
		assert.Equal(t, "denied", doc["outcome"])
		assert.Equal(t, "import", doc["kind"])
		assert.Contains(t, doc["error"], "os")
	})

	t.Run("Bounded", func(t *testing.T) {
		r := ToolResult{Outcome: OutcomeSuccess, Payload: strings.Repeat("z", 10_000)}
		out := r.Render(100)
		assert.Contains(t, out, "[truncated")
		assert.Less(t, len(out), 200)
	})

	t.Run("UnencodablePayload", func(t *testing.T) {
		r := ToolResult{Outcome: OutcomeSuccess, Payload: make(chan int)}
		assert.Contains(t, r.Render(0), "unencodable tool payload")
	})
}
