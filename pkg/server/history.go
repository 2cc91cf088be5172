package server

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aeolun/linechat/pkg/database"
	"github.com/aeolun/linechat/pkg/protocol"
)

// HistoryTimeFormat prefixes every line of the file history
const HistoryTimeFormat = "2006-01-02 15:04:05"

// HistorySink receives every routed message. Append must not block on
// slow storage and never reports failure to the caller.
type HistorySink interface {
	Append(msg protocol.Message)
	Close() error
}

// NopHistory discards everything
type NopHistory struct{}

func (NopHistory) Append(protocol.Message) {}
func (NopHistory) Close() error            { return nil }

// FileHistory appends one display line per message to a text file
type FileHistory struct {
	path    string
	metrics *Metrics

	mu sync.Mutex
	f  *os.File
}

// OpenFileHistory opens (or creates) the history file at path
func OpenFileHistory(path string, metrics *Metrics) (*FileHistory, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open history file: %w", err)
	}
	return &FileHistory{path: path, metrics: metrics, f: f}, nil
}

// FormatHistoryLine renders msg the way it is stored in the history file
func FormatHistoryLine(msg protocol.Message) string {
	return fmt.Sprintf("[%s] %s\n", msg.Timestamp.Format(HistoryTimeFormat), msg.Display())
}

func (h *FileHistory) Append(msg protocol.Message) {
	line := FormatHistoryLine(msg)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.f == nil {
		return
	}
	if _, err := h.f.WriteString(line); err != nil {
		errorLog.Printf("Failed to append to history %s: %v", h.path, err)
		h.metrics.RecordHistoryFailure("file", 1)
	}
}

func (h *FileHistory) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.f == nil {
		return nil
	}
	err := h.f.Close()
	h.f = nil
	return err
}

// DatabaseHistory stores messages in SQLite through a batching write buffer
type DatabaseHistory struct {
	db     *database.DB
	buffer *database.WriteBuffer
}

// OpenDatabaseHistory opens the history database at path
func OpenDatabaseHistory(path string, flushInterval time.Duration, metrics *Metrics) (*DatabaseHistory, error) {
	if path != database.MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}
	db, err := database.Open(path)
	if err != nil {
		return nil, err
	}
	buffer := database.NewWriteBuffer(db, flushInterval, func(lost int, err error) {
		metrics.RecordHistoryFailure("database", lost)
	})
	return &DatabaseHistory{db: db, buffer: buffer}, nil
}

func (h *DatabaseHistory) Append(msg protocol.Message) {
	h.buffer.Append(&database.StoredMessage{
		Kind:      msg.Kind.String(),
		Sender:    msg.Sender,
		Recipient: msg.Recipient,
		Content:   msg.Content,
		CreatedAt: msg.Timestamp.UnixMilli(),
	})
}

// Count returns the number of stored messages, including buffered ones
func (h *DatabaseHistory) Count() (int64, error) {
	if err := h.buffer.Flush(); err != nil {
		return 0, err
	}
	return h.db.CountMessages()
}

func (h *DatabaseHistory) Close() error {
	h.buffer.Close()
	return h.db.Close()
}

// messageCounter is implemented by sinks that know how many messages
// they hold
type messageCounter interface {
	Count() (int64, error)
}

// findCounter returns the first sink in h that can count its messages
func findCounter(h HistorySink) (messageCounter, bool) {
	switch sink := h.(type) {
	case messageCounter:
		return sink, true
	case MultiHistory:
		for _, inner := range sink {
			if r, ok := findCounter(inner); ok {
				return r, true
			}
		}
	}
	return nil, false
}

// MultiHistory fans each message out to several sinks
type MultiHistory []HistorySink

func (m MultiHistory) Append(msg protocol.Message) {
	for _, sink := range m {
		sink.Append(msg)
	}
}

func (m MultiHistory) Close() error {
	var firstErr error
	for _, sink := range m {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// OpenHistory builds the sinks enabled in cfg. With none enabled it
// returns NopHistory.
func OpenHistory(cfg ServerConfig, metrics *Metrics) (HistorySink, error) {
	var sinks MultiHistory

	if cfg.HistoryFile != "" {
		fh, err := OpenFileHistory(cfg.HistoryFile, metrics)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, fh)
	}

	if cfg.HistoryDatabase != "" {
		interval := time.Duration(cfg.HistoryFlushIntervalMs) * time.Millisecond
		dh, err := OpenDatabaseHistory(cfg.HistoryDatabase, interval, metrics)
		if err != nil {
			sinks.Close()
			return nil, fmt.Errorf("failed to open history database: %w", err)
		}
		sinks = append(sinks, dh)
	}

	switch len(sinks) {
	case 0:
		return NopHistory{}, nil
	case 1:
		return sinks[0], nil
	default:
		return sinks, nil
	}
}
