package tern

import "time"

// receiptFlushWindow is how long visibility signals coalesce before a single
// batched messages_read is emitted.
const receiptFlushWindow = 250 * time.Millisecond

// receiptBatcher coalesces "visible to user" signals into batched read
// acknowledgements and deduplicates against everything already acknowledged,
// so a replayed batch after a reconnect is a no-op. All methods run on the
// engine loop.
type receiptBatcher struct {
	schedule func(time.Duration, func()) timer
	emit     func(conversationID string, messageIDs []string)

	acked   map[string]map[string]bool
	pending map[string]*receiptBatch
}

type receiptBatch struct {
	ids    []string
	queued map[string]bool
	flush  timer
}

func newReceiptBatcher(schedule func(time.Duration, func()) timer, emit func(string, []string)) *receiptBatcher {
	return &receiptBatcher{
		schedule: schedule,
		emit:     emit,
		acked:    make(map[string]map[string]bool),
		pending:  make(map[string]*receiptBatch),
	}
}

// markVisible records that the user has seen a message. Already-acknowledged
// identifiers are dropped; new ones join the current batch, which flushes
// after the coalescing window.
func (b *receiptBatcher) markVisible(conversationID, messageID string) {
	if b.acked[conversationID][messageID] {
		return
	}
	batch := b.pending[conversationID]
	if batch == nil {
		batch = &receiptBatch{queued: make(map[string]bool)}
		b.pending[conversationID] = batch
	}
	if batch.queued[messageID] {
		return
	}
	batch.queued[messageID] = true
	batch.ids = append(batch.ids, messageID)

	if batch.flush == nil {
		batch.flush = b.schedule(receiptFlushWindow, func() {
			b.flush(conversationID)
		})
	}
}

// flush emits the current batch, if any, and moves its identifiers into the
// acknowledged set. Called by the window timer and on focus loss.
func (b *receiptBatcher) flush(conversationID string) {
	if ids := b.take(conversationID); len(ids) > 0 {
		b.emit(conversationID, ids)
	}
}

// take removes and returns the unflushed batch, marking its identifiers
// acknowledged and cancelling the window timer. The caller owns delivery;
// conversation close uses this to publish the batch before the channel goes
// away, so it is never dropped.
func (b *receiptBatcher) take(conversationID string) []string {
	batch := b.pending[conversationID]
	if batch == nil {
		return nil
	}
	delete(b.pending, conversationID)
	if batch.flush != nil {
		batch.flush.Stop()
	}
	if len(batch.ids) == 0 {
		return nil
	}

	acked := b.acked[conversationID]
	if acked == nil {
		acked = make(map[string]bool)
		b.acked[conversationID] = acked
	}
	for _, id := range batch.ids {
		acked[id] = true
	}
	return batch.ids
}

// ackedCount reports how many identifiers are acknowledged for a
// conversation.
func (b *receiptBatcher) ackedCount(conversationID string) int {
	return len(b.acked[conversationID])
}
