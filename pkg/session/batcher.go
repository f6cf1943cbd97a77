package session

import "github.com/agentdeck/agentdeck/pkg/models"

// batchable is the set of high-volume stream types eligible for coalescing.
// Everything else is a priority type: it flushes the pending batch first and
// goes out singly, preserving per-connection order.
var batchable = map[models.MessageType]bool{
	models.TypeTerminalStream: true,
	models.TypeTraceStream:    true,
}

// Batcher buffers batchable messages for one connection until a size, byte
// or time cap flushes them. Not safe for concurrent use: the write pump is
// its only caller.
type Batcher struct {
	maxSize  int
	maxBytes int

	buf   []*models.Message
	bytes int
}

// NewBatcher creates a batcher with the given caps.
func NewBatcher(maxSize, maxBytes int) *Batcher {
	return &Batcher{maxSize: maxSize, maxBytes: maxBytes}
}

// Add appends a message and reports whether a cap was hit and the batch must
// flush now. size is the message's serialized length.
func (b *Batcher) Add(msg *models.Message, size int) (flushNow bool) {
	b.buf = append(b.buf, msg)
	b.bytes += size
	return len(b.buf) >= b.maxSize || b.bytes >= b.maxBytes
}

// Flush returns the buffered messages and resets the buffer.
func (b *Batcher) Flush() []*models.Message {
	if len(b.buf) == 0 {
		return nil
	}
	out := b.buf
	b.buf = nil
	b.bytes = 0
	return out
}

// Len returns the number of buffered messages.
func (b *Batcher) Len() int {
	return len(b.buf)
}
