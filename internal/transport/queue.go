package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voicewire/voicewire/pkg/protocol"
	"github.com/voicewire/voicewire/shared/id"
)

// queueItem is one transcript turn waiting for confirmed delivery.
type queueItem struct {
	messageID  string
	plaintext  []byte
	enqueuedAt time.Time
	retries    uint
	maxRetries uint

	done chan error
}

// ConversationQueue is the FIFO ordering and retry layer above the
// reliability layer, used for transcript turns. Only the head of the
// queue is ever in flight; the next item is not dispatched until the
// head resolves or is evicted. This serializes transcript sends, which
// is fine: transcript cadence is far below audio cadence, and it is
// what preserves conversational turn order under retries.
type ConversationQueue struct {
	reliability *Reliability
	maxAge      time.Duration
	maxRetries  uint

	mu    sync.Mutex
	items []*queueItem
	wake  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewConversationQueue(reliability *Reliability, maxAge time.Duration, maxRetries uint) *ConversationQueue {
	if maxAge <= 0 {
		maxAge = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &ConversationQueue{
		reliability: reliability,
		maxAge:      maxAge,
		maxRetries:  maxRetries,
		wake:        make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}
	q.wg.Add(1)
	go q.run()
	return q
}

// Enqueue appends a transcript turn and blocks until delivery is
// confirmed or rejected after exhausting retries. The queue holds no UI
// state: optimistic display and rollback are the caller's concern.
func (q *ConversationQueue) Enqueue(ctx context.Context, transcript *protocol.Transcript) error {
	plaintext, err := protocol.EncodeBody(transcript)
	if err != nil {
		return err
	}

	item := &queueItem{
		messageID:  id.NewMessage(),
		plaintext:  plaintext,
		enqueuedAt: time.Now(),
		maxRetries: q.maxRetries,
		done:       make(chan error, 1),
	}

	q.mu.Lock()
	if q.ctx.Err() != nil {
		q.mu.Unlock()
		return protocol.ErrConnectionClosed
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	select {
	case err := <-item.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the worker and rejects everything still queued.
func (q *ConversationQueue) Close() {
	q.cancel()

	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()

	for _, item := range items {
		select {
		case item.done <- protocol.ErrConnectionClosed:
		default:
		}
	}

	q.wg.Wait()
}

// Closed reports whether the queue has been shut down. A closed queue
// never accepts items again; the client builds a fresh one per session.
func (q *ConversationQueue) Closed() bool {
	return q.ctx.Err() != nil
}

// Len reports the number of queued (not yet resolved) items.
func (q *ConversationQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *ConversationQueue) run() {
	defer q.wg.Done()

	for {
		item := q.head()
		if item == nil {
			select {
			case <-q.ctx.Done():
				return
			case <-q.wake:
			}
			continue
		}

		err := q.deliver(item)
		// Non-blocking: the enqueuer may have abandoned its wait, or
		// Close may have already rejected the item.
		select {
		case item.done <- err:
		default:
		}
		q.pop()
	}
}

func (q *ConversationQueue) head() *queueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

func (q *ConversationQueue) pop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) > 0 {
		q.items = q.items[1:]
	}
}

// deliver drives the head item through the reliable send path until it
// is acked or evicted. Eviction requires both conditions: the local
// attempt budget is spent and the item has aged past maxAge.
func (q *ConversationQueue) deliver(item *queueItem) error {
	for {
		err := q.reliability.SendReliable(q.ctx, protocol.TypeTranscript, item.messageID, item.plaintext)
		if err == nil {
			return nil
		}
		if q.ctx.Err() != nil {
			return protocol.ErrConnectionClosed
		}
		if isTerminalSendError(err) {
			return err
		}

		item.retries++
		if item.retries >= item.maxRetries && time.Since(item.enqueuedAt) > q.maxAge {
			slog.Warn("queue: evicting head", "message_id", item.messageID, "retries", item.retries)
			return fmt.Errorf("%w: transcript evicted after %d attempts", protocol.ErrDeliveryTimeout, item.retries)
		}

		slog.Debug("queue: requeueing head", "message_id", item.messageID, "retries", item.retries, "error", err)
	}
}
