package tern

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type receiptEmit struct {
	conversationID string
	messageIDs     []string
}

func newTestReceipts() (*receiptBatcher, *fakeClock, *[]receiptEmit) {
	clk := newFakeClock()
	emitted := &[]receiptEmit{}
	rb := newReceiptBatcher(clk.AfterFunc, func(conv string, ids []string) {
		*emitted = append(*emitted, receiptEmit{conv, ids})
	})
	return rb, clk, emitted
}

func TestReceiptsCoalesceIntoOneBatch(t *testing.T) {
	rb, clk, emitted := newTestReceipts()

	rb.markVisible("conv", "a")
	clk.Advance(100 * time.Millisecond)
	rb.markVisible("conv", "b")
	rb.markVisible("conv", "b") // duplicate within the window
	rb.markVisible("conv", "c")

	assert.Empty(t, *emitted, "nothing flushes inside the window")

	clk.Advance(receiptFlushWindow)
	require.Len(t, *emitted, 1)
	assert.Equal(t, receiptEmit{"conv", []string{"a", "b", "c"}}, (*emitted)[0])
}

func TestReceiptsReplayIsNoOp(t *testing.T) {
	rb, clk, emitted := newTestReceipts()

	rb.markVisible("conv", "a")
	clk.Advance(receiptFlushWindow)
	require.Len(t, *emitted, 1)

	// Re-rendering the same messages after a reconnect re-reports them; the
	// batcher already acknowledged them.
	rb.markVisible("conv", "a")
	clk.Advance(receiptFlushWindow * 2)
	assert.Len(t, *emitted, 1)
	assert.Equal(t, 1, rb.ackedCount("conv"))
}

func TestReceiptsFlushOnDemand(t *testing.T) {
	rb, clk, emitted := newTestReceipts()

	rb.markVisible("conv", "a")
	rb.flush("conv") // focus loss / conversation close
	require.Len(t, *emitted, 1)
	assert.Equal(t, []string{"a"}, (*emitted)[0].messageIDs)

	// The window timer was cancelled with the batch.
	clk.Advance(receiptFlushWindow * 2)
	assert.Len(t, *emitted, 1)

	// Flushing with nothing pending emits nothing.
	rb.flush("conv")
	rb.flush("other")
	assert.Len(t, *emitted, 1)
}

func TestReceiptsBatchPerConversation(t *testing.T) {
	rb, clk, emitted := newTestReceipts()

	rb.markVisible("conv-1", "a")
	rb.markVisible("conv-2", "b")

	clk.Advance(receiptFlushWindow)
	require.Len(t, *emitted, 2)

	byConv := map[string][]string{}
	for _, e := range *emitted {
		byConv[e.conversationID] = e.messageIDs
	}
	assert.Equal(t, []string{"a"}, byConv["conv-1"])
	assert.Equal(t, []string{"b"}, byConv["conv-2"])
}
