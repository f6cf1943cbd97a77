package session

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/pkg/models"
)

func streamMsg(content string) *models.Message {
	return models.MustMessage(models.TypeTerminalStream, models.TerminalStreamPayload{
		CommandID: "cmd-1",
		AgentID:   "agent-1",
		Stream:    models.StreamStdout,
		Content:   content,
	})
}

func TestBatcherFlushesAtSizeCap(t *testing.T) {
	b := NewBatcher(3, 1<<20)

	assert.False(t, b.Add(streamMsg("a"), 10))
	assert.False(t, b.Add(streamMsg("b"), 10))
	assert.True(t, b.Add(streamMsg("c"), 10), "size cap reached")

	flushed := b.Flush()
	assert.Len(t, flushed, 3)
	assert.Equal(t, 0, b.Len())
}

func TestBatcherFlushesAtByteCap(t *testing.T) {
	b := NewBatcher(100, 25)

	assert.False(t, b.Add(streamMsg("a"), 10))
	assert.True(t, b.Add(streamMsg("b"), 20), "byte cap reached")
}

func TestBatcherPreservesOrder(t *testing.T) {
	b := NewBatcher(100, 1<<20)

	for _, content := range []string{"first", "second", "third"} {
		b.Add(streamMsg(content), 10)
	}

	flushed := b.Flush()
	require.Len(t, flushed, 3)
	for i, msg := range flushed {
		var p models.TerminalStreamPayload
		require.NoError(t, json.Unmarshal(msg.Payload, &p))
		assert.Equal(t, []string{"first", "second", "third"}[i], p.Content)
	}
}

func TestBatcherEmptyFlush(t *testing.T) {
	b := NewBatcher(3, 100)
	assert.Nil(t, b.Flush())
}

func TestBatcherResetAfterFlush(t *testing.T) {
	b := NewBatcher(2, 1<<20)

	b.Add(streamMsg("a"), 10)
	b.Flush()

	// Byte and size counters reset: a fresh message does not inherit caps.
	assert.False(t, b.Add(streamMsg("b"), 10))
	assert.Equal(t, 1, b.Len())
}

func TestBatchableTypes(t *testing.T) {
	assert.True(t, batchable[models.TypeTerminalStream])
	assert.True(t, batchable[models.TypeTraceStream])
	assert.False(t, batchable[models.TypeCommandRequest], "dispatches are never coalesced")
	assert.False(t, batchable[models.TypeError])
}
