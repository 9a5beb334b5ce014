package internal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/codewithdpk/DeepMQ/amqperror"
)

// frame is a single parsed AMQP frame (spec.md §4.1).
type frame struct {
	Type    byte
	Channel uint16
	Payload []byte
}

// readFrame reads one complete frame from r, validating the end marker.
func readFrame(r io.Reader) (*frame, error) {
	header := make([]byte, 7)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	f := &frame{
		Type:    header[0],
		Channel: binary.BigEndian.Uint16(header[1:3]),
	}
	size := binary.BigEndian.Uint32(header[3:7])
	payload := make([]byte, size)
	if size > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}
	f.Payload = payload

	end := make([]byte, 1)
	if _, err := io.ReadFull(r, end); err != nil {
		return nil, err
	}
	if end[0] != FrameEnd {
		return nil, amqpError.NewFatal(amqpError.FrameError, "frame end marker missing", 0, 0)
	}
	return f, nil
}

// writeFrame encodes and writes a single frame to w.
func writeFrame(w io.Writer, frameType byte, channel uint16, payload []byte) error {
	buf := make([]byte, 7+len(payload)+1)
	buf[0] = frameType
	binary.BigEndian.PutUint16(buf[1:3], channel)
	binary.BigEndian.PutUint32(buf[3:7], uint32(len(payload)))
	copy(buf[7:], payload)
	buf[7+len(payload)] = FrameEnd
	_, err := w.Write(buf)
	return err
}

func readShortString(r *bytes.Reader) (string, error) {
	length, err := r.ReadByte()
	if err != nil {
		return "", fmt.Errorf("reading short string length: %w", err)
	}
	if length == 0 {
		return "", nil
	}
	if int(length) > r.Len() {
		return "", fmt.Errorf("short string truncated: want %d, have %d", length, r.Len())
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return "", err
	}
	return string(data), nil
}

func readLongString(r *bytes.Reader) (string, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return "", fmt.Errorf("reading long string length: %w", err)
	}
	if length == 0 {
		return "", nil
	}
	if int(length) > r.Len() {
		return "", fmt.Errorf("long string truncated: want %d, have %d", length, r.Len())
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return "", err
	}
	return string(data), nil
}

func writeShortString(w *bytes.Buffer, s string) {
	if len(s) > 255 {
		s = s[:255]
	}
	w.WriteByte(byte(len(s)))
	w.WriteString(s)
}

func writeLongString(w *bytes.Buffer, s string) {
	binary.Write(w, binary.BigEndian, uint32(len(s)))
	w.WriteString(s)
}

// Decimal is the AMQP decimal-value field type: an unscaled int32 and a
// base-10 scale.
type Decimal struct {
	Scale uint8
	Value int32
}

// Table is a decoded AMQP field table.
type Table map[string]any

func readFieldValue(r *bytes.Reader, tag byte) (any, error) {
	switch tag {
	case fieldTagBoolean:
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		return b != 0, nil
	case fieldTagInt8:
		var v int8
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err
	case fieldTagUint8:
		var v uint8
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err
	case fieldTagInt16:
		var v int16
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err
	case fieldTagUint16:
		var v uint16
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err
	case fieldTagInt32:
		var v int32
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err
	case fieldTagUint32:
		var v uint32
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err
	case fieldTagInt64:
		var v int64
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err
	case fieldTagFloat32:
		var v float32
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err
	case fieldTagFloat64:
		var v float64
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err
	case fieldTagDecimal:
		var scale uint8
		var val int32
		if err := binary.Read(r, binary.BigEndian, &scale); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.BigEndian, &val); err != nil {
			return nil, err
		}
		return Decimal{Scale: scale, Value: val}, nil
	case fieldTagLongString:
		return readLongString(r)
	case fieldTagArray:
		var payloadLen uint32
		if err := binary.Read(r, binary.BigEndian, &payloadLen); err != nil {
			return nil, err
		}
		if payloadLen == 0 {
			return []any{}, nil
		}
		if int(payloadLen) > r.Len() {
			return nil, fmt.Errorf("field array truncated: want %d, have %d", payloadLen, r.Len())
		}
		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
		ar := bytes.NewReader(payload)
		values := make([]any, 0)
		for ar.Len() > 0 {
			itemTag, err := ar.ReadByte()
			if err != nil {
				return nil, err
			}
			v, err := readFieldValue(ar, itemTag)
			if err != nil {
				return nil, err
			}
			values = append(values, v)
		}
		return values, nil
	case fieldTagTimestamp:
		var v uint64
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err
	case fieldTagTable:
		return readTable(r)
	case fieldTagByteArray:
		var length uint32
		if err := binary.Read(r, binary.BigEndian, &length); err != nil {
			return nil, err
		}
		if length == 0 {
			return []byte{}, nil
		}
		if int(length) > r.Len() {
			return nil, fmt.Errorf("byte array truncated: want %d, have %d", length, r.Len())
		}
		data := make([]byte, length)
		_, err := io.ReadFull(r, data)
		return data, err
	case fieldTagVoid:
		return nil, nil
	default:
		return nil, amqpError.New(amqpError.SyntaxError, fmt.Sprintf("unsupported field table tag %q", tag), 0, 0)
	}
}

func writeFieldValue(w *bytes.Buffer, value any) error {
	switch v := value.(type) {
	case bool:
		w.WriteByte(fieldTagBoolean)
		if v {
			w.WriteByte(1)
		} else {
			w.WriteByte(0)
		}
	case int8:
		w.WriteByte(fieldTagInt8)
		binary.Write(w, binary.BigEndian, v)
	case uint8:
		w.WriteByte(fieldTagUint8)
		binary.Write(w, binary.BigEndian, v)
	case int16:
		w.WriteByte(fieldTagInt16)
		binary.Write(w, binary.BigEndian, v)
	case uint16:
		w.WriteByte(fieldTagUint16)
		binary.Write(w, binary.BigEndian, v)
	case int32:
		w.WriteByte(fieldTagInt32)
		binary.Write(w, binary.BigEndian, v)
	case uint32:
		w.WriteByte(fieldTagUint32)
		binary.Write(w, binary.BigEndian, v)
	case int64:
		w.WriteByte(fieldTagInt64)
		binary.Write(w, binary.BigEndian, v)
	case int:
		w.WriteByte(fieldTagInt64)
		binary.Write(w, binary.BigEndian, int64(v))
	case float32:
		w.WriteByte(fieldTagFloat32)
		binary.Write(w, binary.BigEndian, v)
	case float64:
		w.WriteByte(fieldTagFloat64)
		binary.Write(w, binary.BigEndian, v)
	case Decimal:
		w.WriteByte(fieldTagDecimal)
		binary.Write(w, binary.BigEndian, v.Scale)
		binary.Write(w, binary.BigEndian, v.Value)
	case string:
		w.WriteByte(fieldTagLongString)
		writeLongString(w, v)
	case []byte:
		w.WriteByte(fieldTagByteArray)
		binary.Write(w, binary.BigEndian, uint32(len(v)))
		w.Write(v)
	case uint64:
		w.WriteByte(fieldTagTimestamp)
		binary.Write(w, binary.BigEndian, v)
	case []any:
		w.WriteByte(fieldTagArray)
		inner := &bytes.Buffer{}
		for _, item := range v {
			if err := writeFieldValue(inner, item); err != nil {
				return err
			}
		}
		binary.Write(w, binary.BigEndian, uint32(inner.Len()))
		w.Write(inner.Bytes())
	case Table:
		w.WriteByte(fieldTagTable)
		return writeTable(w, v)
	case map[string]any:
		w.WriteByte(fieldTagTable)
		return writeTable(w, Table(v))
	case nil:
		w.WriteByte(fieldTagVoid)
	default:
		return fmt.Errorf("unsupported field table value type %T", v)
	}
	return nil
}

func readTable(r *bytes.Reader) (Table, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	table := make(Table)
	if length == 0 {
		return table, nil
	}
	if int(length) > r.Len() {
		return nil, fmt.Errorf("table payload truncated: want %d, have %d", length, r.Len())
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	tr := bytes.NewReader(payload)
	for tr.Len() > 0 {
		key, err := readShortString(tr)
		if err != nil {
			return table, err
		}
		if tr.Len() == 0 {
			break
		}
		tag, err := tr.ReadByte()
		if err != nil {
			return table, err
		}
		value, err := readFieldValue(tr, tag)
		if err != nil {
			return table, err
		}
		table[key] = value
	}
	return table, nil
}

func writeTable(w *bytes.Buffer, table Table) error {
	inner := &bytes.Buffer{}
	for key, value := range table {
		writeShortString(inner, key)
		if err := writeFieldValue(inner, value); err != nil {
			return fmt.Errorf("encoding field %q: %w", key, err)
		}
	}
	binary.Write(w, binary.BigEndian, uint32(inner.Len()))
	_, err := w.Write(inner.Bytes())
	return err
}

// topicPattern is a compiled topic-exchange binding pattern, cached by its
// literal text since compilation is purely textual (spec.md §4.3).
type topicPattern struct {
	words []string
}

var topicPatternCache = struct {
	sync.RWMutex
	m map[string]*topicPattern
}{m: make(map[string]*topicPattern)}

func compileTopicPattern(pattern string) *topicPattern {
	topicPatternCache.RLock()
	if p, ok := topicPatternCache.m[pattern]; ok {
		topicPatternCache.RUnlock()
		return p
	}
	topicPatternCache.RUnlock()

	var words []string
	if pattern != "" {
		words = strings.Split(pattern, ".")
	}
	p := &topicPattern{words: words}

	topicPatternCache.Lock()
	topicPatternCache.m[pattern] = p
	topicPatternCache.Unlock()
	return p
}

// topicMatch reports whether routingKey matches pattern under AMQP topic
// wildcard rules: "*" matches exactly one word, "#" matches zero or more
// words, with backtracking across word boundaries (spec.md §4.3).
func topicMatch(pattern, routingKey string) bool {
	p := compileTopicPattern(pattern)

	var routingWords []string
	if routingKey != "" {
		routingWords = strings.Split(routingKey, ".")
	}
	return matchTopicWords(p.words, routingWords)
}

func matchTopicWords(pattern, routing []string) bool {
	type state struct{ pi, ri int }
	stack := []state{{0, 0}}

	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		pi, ri := cur.pi, cur.ri

		if pi >= len(pattern) && ri >= len(routing) {
			return true
		}
		if pi >= len(pattern) {
			continue
		}
		if ri >= len(routing) {
			allHash := true
			for i := pi; i < len(pattern); i++ {
				if pattern[i] != "#" {
					allHash = false
					break
				}
			}
			if allHash {
				return true
			}
			continue
		}

		switch pattern[pi] {
		case "#":
			for i := len(routing); i >= ri; i-- {
				stack = append(stack, state{pi + 1, i})
			}
		case "*":
			stack = append(stack, state{pi + 1, ri + 1})
		default:
			if pattern[pi] == routing[ri] {
				stack = append(stack, state{pi + 1, ri + 1})
			}
		}
	}
	return false
}
