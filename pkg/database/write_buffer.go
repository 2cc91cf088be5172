package database

import (
	"errors"
	"log"
	"sync"
	"time"
)

// DefaultMaxPending bounds how many messages wait for a flush
const DefaultMaxPending = 10000

// ErrBacklogFull is reported for messages discarded because the backlog
// was full
var ErrBacklogFull = errors.New("write buffer backlog full")

// WriteBuffer batches message inserts so callers never wait on SQLite
type WriteBuffer struct {
	db            *DB
	flushInterval time.Duration
	maxPending    int

	mu      sync.Mutex
	pending []*StoredMessage
	dropped uint64
	// discarded since the last flush, not yet reported
	unreported int

	flushMu  sync.Mutex // serializes flushes
	shutdown chan struct{}
	once     sync.Once
	wg       sync.WaitGroup

	onError func(lost int, err error)
}

// NewWriteBuffer creates a write buffer and starts its flush loop.
// onError, if set, is called with the number of messages lost when a flush
// fails or when the backlog overflowed since the previous flush.
func NewWriteBuffer(db *DB, flushInterval time.Duration, onError func(lost int, err error)) *WriteBuffer {
	if flushInterval <= 0 {
		flushInterval = 100 * time.Millisecond
	}
	wb := &WriteBuffer{
		db:            db,
		flushInterval: flushInterval,
		maxPending:    DefaultMaxPending,
		pending:       make([]*StoredMessage, 0, 100),
		shutdown:      make(chan struct{}),
		onError:       onError,
	}

	wb.wg.Add(1)
	go wb.flushLoop()

	return wb
}

// Append queues msg for the next flush without blocking. When the backlog
// is full the oldest queued message is discarded.
func (wb *WriteBuffer) Append(msg *StoredMessage) {
	if msg.ID == 0 {
		msg.ID = wb.db.NextID()
	}

	wb.mu.Lock()
	if len(wb.pending) >= wb.maxPending {
		wb.pending = wb.pending[1:]
		wb.dropped++
		wb.unreported++
	}
	wb.pending = append(wb.pending, msg)
	wb.mu.Unlock()
}

// Pending returns the number of messages waiting to be written
func (wb *WriteBuffer) Pending() int {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	return len(wb.pending)
}

// Dropped returns how many messages were discarded due to backlog overflow
func (wb *WriteBuffer) Dropped() uint64 {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	return wb.dropped
}

// flushLoop periodically flushes buffered writes
func (wb *WriteBuffer) flushLoop() {
	defer wb.wg.Done()

	ticker := time.NewTicker(wb.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			wb.Flush()
		case <-wb.shutdown:
			wb.Flush()
			return
		}
	}
}

// Flush writes everything queued so far in a single transaction
func (wb *WriteBuffer) Flush() error {
	wb.flushMu.Lock()
	defer wb.flushMu.Unlock()

	wb.mu.Lock()
	batch := wb.pending
	wb.pending = make([]*StoredMessage, 0, 100)
	lost := wb.unreported
	wb.unreported = 0
	wb.mu.Unlock()

	if lost > 0 {
		log.Printf("WriteBuffer: discarded %d messages: %v", lost, ErrBacklogFull)
		if wb.onError != nil {
			wb.onError(lost, ErrBacklogFull)
		}
	}

	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	if err := wb.db.InsertMessages(batch); err != nil {
		log.Printf("WriteBuffer: failed to flush %d messages: %v", len(batch), err)
		if wb.onError != nil {
			wb.onError(len(batch), err)
		}
		return err
	}

	if elapsed := time.Since(start); elapsed > time.Second {
		log.Printf("WriteBuffer: slow flush of %d messages took %v", len(batch), elapsed)
	}
	return nil
}

// Close stops the flush loop after a final flush. It is idempotent.
func (wb *WriteBuffer) Close() {
	wb.once.Do(func() {
		close(wb.shutdown)
	})
	wb.wg.Wait()
}
