package internal

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, writeFrame(buf, FrameMethod, 3, []byte("hello")))

	f, err := readFrame(buf)
	require.NoError(t, err)
	assert.Equal(t, byte(FrameMethod), f.Type)
	assert.Equal(t, uint16(3), f.Channel)
	assert.Equal(t, []byte("hello"), f.Payload)
}

func TestReadFrameRejectsBadEndMarker(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, writeFrame(buf, FrameMethod, 0, nil))
	corrupt := buf.Bytes()
	corrupt[len(corrupt)-1] = 0x00

	_, err := readFrame(bytes.NewReader(corrupt))
	require.Error(t, err)
}

func TestShortStringRoundTrip(t *testing.T) {
	buf := &bytes.Buffer{}
	writeShortString(buf, "amq.direct")

	r := bytes.NewReader(buf.Bytes())
	s, err := readShortString(r)
	require.NoError(t, err)
	assert.Equal(t, "amq.direct", s)
}

func TestTableRoundTrip(t *testing.T) {
	original := Table{
		"x-flag":    true,
		"x-count":   int32(42),
		"x-ttl":     int64(60000),
		"x-scale":   Decimal{Scale: 2, Value: 1050},
		"x-name":    "queue-a",
		"x-nothing": nil,
		"x-nested":  Table{"inner": int32(7)},
		"x-list":    []any{int32(1), int32(2), "three"},
	}

	buf := &bytes.Buffer{}
	require.NoError(t, writeTable(buf, original))

	r := bytes.NewReader(buf.Bytes())
	decoded, err := readTable(r)
	require.NoError(t, err)

	assert.Equal(t, original["x-flag"], decoded["x-flag"])
	assert.Equal(t, original["x-count"], decoded["x-count"])
	assert.Equal(t, original["x-ttl"], decoded["x-ttl"])
	assert.Equal(t, original["x-scale"], decoded["x-scale"])
	assert.Equal(t, original["x-name"], decoded["x-name"])
	assert.Nil(t, decoded["x-nothing"])
	assert.Equal(t, Table{"inner": int32(7)}, decoded["x-nested"])
	assert.Equal(t, []any{int32(1), int32(2), "three"}, decoded["x-list"])
}

func TestTopicMatch(t *testing.T) {
	tests := []struct {
		pattern    string
		routingKey string
		want       bool
	}{
		{"stock.usd.nyse", "stock.usd.nyse", true},
		{"stock.*.nyse", "stock.usd.nyse", true},
		{"stock.*.nyse", "stock.usd.eur.nyse", false},
		{"stock.#", "stock.usd.nyse", true},
		{"stock.#", "stock", true},
		{"#", "anything.at.all", true},
		{"#.nyse", "stock.usd.nyse", true},
		{"*.*", "stock.usd", true},
		{"*.*", "stock.usd.nyse", false},
		{"stock.usd.nyse", "stock.eur.nyse", false},
		{"", "", true},
		{"", "stock", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.routingKey, func(t *testing.T) {
			assert.Equal(t, tt.want, topicMatch(tt.pattern, tt.routingKey))
		})
	}
}

func TestCompileTopicPatternCaches(t *testing.T) {
	p1 := compileTopicPattern("a.b.*")
	p2 := compileTopicPattern("a.b.*")
	assert.Same(t, p1, p2)
}
