package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aeolun/linechat/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatHistoryLine(t *testing.T) {
	msg := protocol.NewMessage(protocol.KindPrivate, "alice", "bob", "hi")
	msg.Timestamp = time.Date(2024, 3, 5, 14, 7, 9, 0, time.Local)

	assert.Equal(t, "[2024-03-05 14:07:09] [14:07] alice (private): hi\n", FormatHistoryLine(msg))
}

func TestFileHistoryAppends(t *testing.T) {
	initTestLoggers(t)
	path := filepath.Join(t.TempDir(), "logs", "chat_history.txt")

	h, err := OpenFileHistory(path, nil)
	require.NoError(t, err)

	h.Append(protocol.SystemMessage("alice joined the chat"))
	h.Append(protocol.NewMessage(protocol.KindBroadcast, "alice", "", "hello"))
	require.NoError(t, h.Close())

	// Appends after close are dropped silently
	h.Append(protocol.NewMessage(protocol.KindBroadcast, "alice", "", "late"))
	require.NoError(t, h.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasSuffix(lines[0], "] alice joined the chat"))
	assert.True(t, strings.HasSuffix(lines[1], "] alice: hello"))

	// Reopening appends instead of truncating
	h, err = OpenFileHistory(path, nil)
	require.NoError(t, err)
	h.Append(protocol.SystemMessage("bob joined the chat"))
	require.NoError(t, h.Close())

	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(data), "\n"))
}

func TestDatabaseHistoryStoresMessages(t *testing.T) {
	initTestLoggers(t)
	path := filepath.Join(t.TempDir(), "history.db")

	h, err := OpenDatabaseHistory(path, 10*time.Millisecond, NewMetrics(prometheus.NewRegistry()))
	require.NoError(t, err)
	defer h.Close()

	h.Append(protocol.NewMessage(protocol.KindBroadcast, "alice", "", "hello"))
	h.Append(protocol.NewMessage(protocol.KindPrivate, "alice", "bob", "hi"))

	require.NoError(t, h.buffer.Flush())
	msgs, err := h.db.RecentMessages(10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "BROADCAST", msgs[0].Kind)
	assert.Empty(t, msgs[0].Recipient)
	assert.Equal(t, "PRIVATE", msgs[1].Kind)
	assert.Equal(t, "bob", msgs[1].Recipient)
}

func TestDatabaseHistoryInMemory(t *testing.T) {
	initTestLoggers(t)

	h, err := OpenDatabaseHistory(":memory:", 10*time.Millisecond, nil)
	require.NoError(t, err)
	defer h.Close()

	h.Append(protocol.SystemMessage("alice joined the chat"))
	h.Append(protocol.NewMessage(protocol.KindBroadcast, "alice", "", "hello"))

	count, err := h.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestOpenHistory(t *testing.T) {
	initTestLoggers(t)
	dir := t.TempDir()

	cfg := DefaultConfig()
	sink, err := OpenHistory(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, NopHistory{}, sink)

	cfg.HistoryFile = filepath.Join(dir, "history.txt")
	sink, err = OpenHistory(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &FileHistory{}, sink)
	require.NoError(t, sink.Close())

	cfg.HistoryDatabase = filepath.Join(dir, "history.db")
	sink, err = OpenHistory(cfg, nil)
	require.NoError(t, err)
	multi, ok := sink.(MultiHistory)
	require.True(t, ok)
	assert.Len(t, multi, 2)

	multi.Append(protocol.SystemMessage("fan out"))
	require.NoError(t, multi.Close())

	data, err := os.ReadFile(cfg.HistoryFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "fan out")
}

func TestMultiHistoryClosesAll(t *testing.T) {
	a, b := &recordingHistory{}, &recordingHistory{}
	multi := MultiHistory{a, b}

	multi.Append(protocol.SystemMessage("x"))
	require.NoError(t, multi.Close())

	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, b.count())
	assert.True(t, a.isClosed())
	assert.True(t, b.isClosed())
}

func TestHealthReportsStoredMessages(t *testing.T) {
	initTestLoggers(t)

	srv, err := NewServer(DefaultConfig())
	require.NoError(t, err)

	health := func() map[string]interface{} {
		rec := httptest.NewRecorder()
		srv.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		return body
	}

	assert.NotContains(t, health(), "stored_messages")

	h, err := OpenDatabaseHistory(filepath.Join(t.TempDir(), "history.db"), 10*time.Millisecond, srv.metrics)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	srv.SetHistory(MultiHistory{NopHistory{}, h})

	h.Append(protocol.SystemMessage("alice joined the chat"))
	h.Append(protocol.NewMessage(protocol.KindPrivate, "alice", "bob", "hi"))

	assert.Equal(t, float64(2), health()["stored_messages"])
}
