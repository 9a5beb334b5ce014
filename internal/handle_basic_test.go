package internal

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	amqpError "github.com/codewithdpk/DeepMQ/amqperror"
)

func newTestConnection(b *Broker) (*Connection, *mockConn) {
	mc := newMockConn()
	conn := &Connection{Id: "conn-1", Conn: mc, Broker: b, State: StateOpen, channels: make(map[uint16]*Channel)}
	return conn, mc
}

func readMethodFrame(t *testing.T, mc *mockConn) (classId, methodId uint16, args []byte) {
	t.Helper()
	f, err := readFrame(&mc.write)
	require.NoError(t, err)
	require.Equal(t, byte(FrameMethod), f.Type)
	r := bytes.NewReader(f.Payload)
	require.NoError(t, binary.Read(r, binary.BigEndian, &classId))
	require.NoError(t, binary.Read(r, binary.BigEndian, &methodId))
	rest := make([]byte, r.Len())
	r.Read(rest)
	return classId, methodId, rest
}

func TestHandleBasicQosSetsPrefetch(t *testing.T) {
	b := newTestBroker()
	conn, mc := newTestConnection(b)
	ch := newChannel(1, conn)
	conn.channels[1] = ch

	buf := &bytes.Buffer{}
	binary.Write(buf, binary.BigEndian, uint32(0))
	binary.Write(buf, binary.BigEndian, uint16(5))
	buf.WriteByte(0)

	require.NoError(t, conn.handleBasicQos(ch, bytes.NewReader(buf.Bytes())))

	ch.mu.Lock()
	require.Equal(t, uint16(5), ch.PrefetchCount)
	ch.mu.Unlock()

	_, methodId, _ := readMethodFrame(t, mc)
	require.Equal(t, uint16(MethodBasicQosOk), methodId)
}

func TestHandleBasicConsumeGeneratesTagAndRegisters(t *testing.T) {
	b := newTestBroker()
	q := newQueue("jobs")
	b.queues["jobs"] = q

	conn, mc := newTestConnection(b)
	ch := newChannel(1, conn)
	conn.channels[1] = ch

	buf := &bytes.Buffer{}
	buf.WriteByte(0) // ticket
	writeShortString(buf, "jobs")
	writeShortString(buf, "") // consumer-tag, server-generated
	buf.WriteByte(0x02)       // no-ack
	writeTable(buf, Table{})

	require.NoError(t, conn.handleBasicConsume(ch, bytes.NewReader(buf.Bytes())))

	require.Len(t, q.consumers, 1)
	var tag string
	for k := range q.consumers {
		tag = k
	}
	require.Contains(t, tag, "amq.ctag-")

	_, methodId, args := readMethodFrame(t, mc)
	require.Equal(t, uint16(MethodBasicConsumeOk), methodId)
	gotTag, err := readShortString(bytes.NewReader(args))
	require.NoError(t, err)
	require.Equal(t, tag, gotTag)
}

func TestHandleBasicConsumeRejectsSecondExclusiveConsumer(t *testing.T) {
	b := newTestBroker()
	q := newQueue("jobs")
	b.queues["jobs"] = q

	conn, mc := newTestConnection(b)
	ch := newChannel(1, conn)
	conn.channels[1] = ch

	firstBuf := &bytes.Buffer{}
	firstBuf.WriteByte(0)
	writeShortString(firstBuf, "jobs")
	writeShortString(firstBuf, "c1")
	firstBuf.WriteByte(0x04) // exclusive
	writeTable(firstBuf, Table{})
	require.NoError(t, conn.handleBasicConsume(ch, bytes.NewReader(firstBuf.Bytes())))

	secondBuf := &bytes.Buffer{}
	secondBuf.WriteByte(0)
	writeShortString(secondBuf, "jobs")
	writeShortString(secondBuf, "c2")
	secondBuf.WriteByte(0x00)
	writeTable(secondBuf, Table{})

	// The rejection reaches the client as a Channel.Close with
	// ACCESS_REFUSED; the handler itself returns no error.
	require.NoError(t, conn.handleBasicConsume(ch, bytes.NewReader(secondBuf.Bytes())))
	_, registered := q.consumers["c2"]
	require.False(t, registered)

	_, methodId, _ := readMethodFrame(t, mc)
	require.Equal(t, uint16(MethodBasicConsumeOk), methodId)
	classId, methodId, args := readMethodFrame(t, mc)
	require.Equal(t, uint16(ClassChannel), classId)
	require.Equal(t, uint16(MethodChannelClose), methodId)
	require.Equal(t, uint16(amqpError.AccessRefused), binary.BigEndian.Uint16(args[:2]))
}

func TestHandleBasicGetReturnsEmptyOnDrainedQueue(t *testing.T) {
	b := newTestBroker()
	q := newQueue("jobs")
	b.queues["jobs"] = q

	conn, mc := newTestConnection(b)
	ch := newChannel(1, conn)
	conn.channels[1] = ch

	buf := &bytes.Buffer{}
	buf.WriteByte(0)
	writeShortString(buf, "jobs")
	buf.WriteByte(0)

	require.NoError(t, conn.handleBasicGet(ch, bytes.NewReader(buf.Bytes())))

	_, methodId, _ := readMethodFrame(t, mc)
	require.Equal(t, uint16(MethodBasicGetEmpty), methodId)
}

func TestHandleBasicRecoverRequeuesToHeadRegardlessOfFlag(t *testing.T) {
	b := newTestBroker()
	q := newQueue("jobs")
	b.queues["jobs"] = q
	q.Messages = []*Message{{Id: "existing"}}

	conn, mc := newTestConnection(b)
	ch := newChannel(1, conn)
	conn.channels[1] = ch
	ch.Unacked[1] = &UnackedEntry{DeliveryTag: 1, Message: &Message{Id: "recovered"}, QueueName: "jobs"}

	buf := &bytes.Buffer{}
	buf.WriteByte(0) // requeue=false

	require.NoError(t, conn.handleBasicRecover(ch, bytes.NewReader(buf.Bytes()), MethodBasicRecover))

	require.Empty(t, ch.Unacked)
	require.Len(t, q.Messages, 2)
	require.Equal(t, "recovered", q.Messages[0].Id, "requeue=false still goes to the head")

	_, methodId, _ := readMethodFrame(t, mc)
	require.Equal(t, uint16(MethodBasicRecoverOk), methodId)
}
