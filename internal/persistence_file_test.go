package internal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFileManagerSaveAndRecover(t *testing.T) {
	dir := t.TempDir()
	fm, err := NewFileManager(dir)
	require.NoError(t, err)

	ex := &Exchange{Name: "orders", Type: ExchangeDirect, Durable: true}
	require.NoError(t, fm.SaveExchange(ex))

	q := newQueue("orders-q")
	q.Durable = true
	require.NoError(t, fm.SaveQueue(q))

	binding := &Binding{Source: "orders", Destination: "orders-q", RoutingKey: "created"}
	require.NoError(t, fm.SaveBinding(binding))

	msg := &Message{
		Id:         "m1",
		Exchange:   "orders",
		RoutingKey: "created",
		Properties: Properties{DeliveryMode: 2, MessageId: "m1"},
		Body:       []byte("payload"),
		Timestamp:  time.Now(),
	}
	require.NoError(t, fm.SaveMessage("orders-q", msg))
	require.NoError(t, fm.Close())

	fm2, err := NewFileManager(dir)
	require.NoError(t, err)
	defer fm2.Close()

	state, err := fm2.Recover()
	require.NoError(t, err)

	require.Len(t, state.Exchanges, 1)
	require.Equal(t, "orders", state.Exchanges[0].Name)

	require.Len(t, state.Queues, 1)
	require.Equal(t, "orders-q", state.Queues[0].Name)
	require.Len(t, state.Queues[0].Messages, 1)
	require.Equal(t, "payload", string(state.Queues[0].Messages[0].Body))

	require.Len(t, state.Bindings, 1)
	require.Equal(t, "created", state.Bindings[0].RoutingKey)
}

func TestFileManagerDeleteMessageRemovesFromRecovery(t *testing.T) {
	dir := t.TempDir()
	fm, err := NewFileManager(dir)
	require.NoError(t, err)

	q := newQueue("q")
	q.Durable = true
	require.NoError(t, fm.SaveQueue(q))

	msg := &Message{Id: "m1", Properties: Properties{DeliveryMode: 2, MessageId: "m1"}, Body: []byte("x")}
	require.NoError(t, fm.SaveMessage("q", msg))
	require.NoError(t, fm.DeleteMessage("q", msg))
	require.NoError(t, fm.Close())

	fm2, err := NewFileManager(dir)
	require.NoError(t, err)
	defer fm2.Close()

	state, err := fm2.Recover()
	require.NoError(t, err)
	require.Len(t, state.Queues, 1)
	require.Empty(t, state.Queues[0].Messages)
}

func TestFileManagerSkipsCorruptedLogLine(t *testing.T) {
	dir := t.TempDir()
	fm, err := NewFileManager(dir)
	require.NoError(t, err)

	q := newQueue("q")
	q.Durable = true
	require.NoError(t, fm.SaveQueue(q))

	msg := &Message{Id: "m1", Properties: Properties{DeliveryMode: 2, MessageId: "m1"}, Body: []byte("good")}
	require.NoError(t, fm.SaveMessage("q", msg))
	require.NoError(t, fm.Close())

	// Corrupt the checksum of the appended line to simulate a torn write.
	logPath := filepath.Join(dir, "messages.log")
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	corrupted := []byte(replaceOnce(string(data), `"checksum":"`, `"checksum":"ff`))
	require.NoError(t, os.WriteFile(logPath, corrupted, 0o644))

	fm2, err := NewFileManager(dir)
	require.NoError(t, err)
	defer fm2.Close()

	state, err := fm2.Recover()
	require.NoError(t, err)
	require.Len(t, state.Queues, 1)
	require.Empty(t, state.Queues[0].Messages, "corrupted record must be skipped, not trusted")
}

func TestFileManagerCompactDropsStaleRecords(t *testing.T) {
	dir := t.TempDir()
	fm, err := NewFileManager(dir)
	require.NoError(t, err)

	q := newQueue("q")
	q.Durable = true
	require.NoError(t, fm.SaveQueue(q))

	keep := &Message{Id: "keep", Properties: Properties{DeliveryMode: 2, MessageId: "keep"}, Body: []byte("keep")}
	gone := &Message{Id: "gone", Properties: Properties{DeliveryMode: 2, MessageId: "gone"}, Body: []byte("gone")}
	require.NoError(t, fm.SaveMessage("q", keep))
	require.NoError(t, fm.SaveMessage("q", gone))
	require.NoError(t, fm.DeleteMessage("q", gone))

	logPath := filepath.Join(dir, "messages.log")
	before, err := os.ReadFile(logPath)
	require.NoError(t, err)
	linesBefore := countLines(string(before))
	require.Equal(t, 3, linesBefore, "save, save, delete should each append one record")

	// gone has already been removed from the log by DeleteMessage, but the
	// log still carries all three records until compacted. Only keep is
	// left in the queue's in-memory message list, mirroring what the
	// broker would pass in after ack/delete processing.
	q.Messages = []*Message{keep}
	require.NoError(t, fm.Compact(map[string]*Queue{"q": q}))

	after, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.Equal(t, 1, countLines(string(after)), "compaction should leave exactly one record for the surviving message")
	require.NotContains(t, string(after), `"gone"`)

	require.NoError(t, fm.SaveMessage("q", keep))
	require.NoError(t, fm.Close())

	fm2, err := NewFileManager(dir)
	require.NoError(t, err)
	defer fm2.Close()

	state, err := fm2.Recover()
	require.NoError(t, err)
	require.Len(t, state.Queues, 1)
	require.Len(t, state.Queues[0].Messages, 1)
	require.Equal(t, "keep", string(state.Queues[0].Messages[0].Body))
}

func countLines(s string) int {
	n := 0
	for _, r := range s {
		if r == '\n' {
			n++
		}
	}
	return n
}

func replaceOnce(s, old, new string) string {
	i := indexOf(s, old)
	if i < 0 {
		return s
	}
	return s[:i] + new + s[i+len(old):]
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
