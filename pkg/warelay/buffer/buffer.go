// Package buffer coalesces bursts of inbound text fragments per
// conversation into one logical message. A wait-or-reset timer debounces
// each conversation: every new fragment cancels the outstanding timer and
// starts a fresh window, so a user's multi-message thought becomes a
// single turn.
//
// Concurrency contract: per conversation there is at most one outstanding
// timer and one in-flight flush; fragments arriving during a flush open a
// new cycle and never contaminate the one being flushed. Different
// conversations proceed independently.
package buffer

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// FlushFunc receives the coalesced text of one buffer cycle.
type FlushFunc func(combined string)

// Buffer debounces inbound fragments per conversation.
type Buffer struct {
	logger *slog.Logger

	mu    sync.Mutex
	convs map[string]*convBuffer
}

type convBuffer struct {
	fragments []string
	timer     *time.Timer
	onFlush   FlushFunc
	flushing  bool

	// gen increments on every fragment. A timer that expired before its
	// Stop but after a reset carries a stale gen and must not flush the
	// new cycle early.
	gen uint64

	// refire marks that a window expired while a flush was in progress;
	// the pending cycle flushes as soon as the current one completes,
	// unless a newer fragment has reset the window since (refireGen).
	refire    bool
	refireGen uint64
}

// New creates an empty buffer.
func New(logger *slog.Logger) *Buffer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Buffer{
		logger: logger.With("component", "buffer"),
		convs:  make(map[string]*convBuffer),
	}
}

// AddFragment appends text to the conversation's pending fragments and
// restarts its debounce window. When the window expires the fragments are
// newline-joined in arrival order and handed to onFlush exactly once.
//
// A window of zero (buffering disabled) invokes onFlush synchronously
// with just this fragment.
func (b *Buffer) AddFragment(conversationID, text string, window time.Duration, onFlush FlushFunc) {
	if window <= 0 {
		onFlush(text)
		return
	}

	b.mu.Lock()
	cb, ok := b.convs[conversationID]
	if !ok {
		cb = &convBuffer{}
		b.convs[conversationID] = cb
	}
	cb.fragments = append(cb.fragments, text)
	cb.onFlush = onFlush
	cb.gen++
	gen := cb.gen
	if cb.timer != nil {
		cb.timer.Stop()
	}
	cb.timer = time.AfterFunc(window, func() { b.fire(conversationID, gen) })
	b.mu.Unlock()
}

// Pending returns the number of fragments currently buffered for a
// conversation.
func (b *Buffer) Pending(conversationID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.convs[conversationID]; ok {
		return len(cb.fragments)
	}
	return 0
}

// Stop cancels all outstanding timers. Buffered fragments are discarded;
// in-flight flushes run to completion.
func (b *Buffer) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, cb := range b.convs {
		if cb.timer != nil {
			cb.timer.Stop()
			cb.timer = nil
		}
		cb.fragments = nil
		if !cb.flushing {
			delete(b.convs, id)
		}
	}
}

// fire runs on the timer goroutine when a conversation's window expires.
// Only the timer of the current cycle may flush; a stale one that lost the
// race against a window reset returns without touching the fragments.
func (b *Buffer) fire(conversationID string, gen uint64) {
	b.mu.Lock()
	cb, ok := b.convs[conversationID]
	if !ok || gen != cb.gen || len(cb.fragments) == 0 {
		b.mu.Unlock()
		return
	}
	if cb.flushing {
		// The previous cycle is still flushing; flush this one right
		// after it completes.
		cb.refire = true
		cb.refireGen = gen
		b.mu.Unlock()
		return
	}

	combined := strings.Join(cb.fragments, "\n")
	count := len(cb.fragments)
	cb.fragments = nil
	cb.timer = nil
	cb.flushing = true
	onFlush := cb.onFlush
	b.mu.Unlock()

	b.logger.Debug("flushing buffered fragments",
		"conversation", conversationID, "fragments", count)

	func() {
		defer b.finishFlush(conversationID)
		onFlush(combined)
	}()
}

// finishFlush clears the flushing flag and triggers a pending cycle whose
// window expired mid-flush.
func (b *Buffer) finishFlush(conversationID string) {
	b.mu.Lock()
	cb, ok := b.convs[conversationID]
	if !ok {
		b.mu.Unlock()
		return
	}
	cb.flushing = false
	// A pending cycle flushes now only if no newer fragment reset the
	// window after its timer expired; otherwise the newer timer owns it.
	refire := cb.refire && cb.refireGen == cb.gen
	gen := cb.gen
	cb.refire = false
	if !refire && len(cb.fragments) == 0 && cb.timer == nil {
		delete(b.convs, conversationID)
	}
	b.mu.Unlock()

	if refire {
		b.fire(conversationID, gen)
	}
}
