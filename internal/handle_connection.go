package internal

import (
	"bytes"
	"encoding/binary"
	"strings"

	amqpError "github.com/codewithdpk/DeepMQ/amqperror"
	"github.com/codewithdpk/DeepMQ/config"
)

func (c *Connection) handleConnectionMethod(methodId uint16, r *bytes.Reader) error {
	switch methodId {
	case MethodConnectionStartOk:
		return c.handleConnectionStartOk(r)
	case MethodConnectionTuneOk:
		return c.handleConnectionTuneOk(r)
	case MethodConnectionOpen:
		return c.handleConnectionOpen(r)
	case MethodConnectionClose:
		return c.handleConnectionClose(r)
	case MethodConnectionCloseOk:
		return c.handleConnectionCloseOk(r)
	default:
		return amqpError.NewFatal(amqpError.CommandInvalid, "unknown connection method", ClassConnection, methodId)
	}
}

// handleConnectionStartOk validates credentials per spec.md §4.2 step 2:
// PLAIN payload is \0user\0pass, AMQPLAIN is a field table with
// LOGIN/PASSWORD. Malformed payloads fail with AccessRefused; otherwise
// credentials are checked against the configured map, or accepted
// unconditionally when no auth was configured.
func (c *Connection) handleConnectionStartOk(r *bytes.Reader) error {
	clientProps, err := readTable(r)
	if err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed client-properties", ClassConnection, MethodConnectionStartOk)
	}
	mechanism, err := readShortString(r)
	if err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed mechanism", ClassConnection, MethodConnectionStartOk)
	}
	response, err := readLongString(r)
	if err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed response", ClassConnection, MethodConnectionStartOk)
	}
	if _, err := readShortString(r); err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed locale", ClassConnection, MethodConnectionStartOk)
	}

	username, password, ok := decodeCredentials(mechanism, response)
	if !ok {
		return amqpError.NewFatal(amqpError.AccessRefused, "malformed credential payload", ClassConnection, MethodConnectionStartOk)
	}

	if c.Broker.authMode == config.AuthModePlain {
		want, exists := c.Broker.credentials[username]
		if !exists || want != password {
			return amqpError.NewFatal(amqpError.AccessRefused, "invalid credentials", ClassConnection, MethodConnectionStartOk)
		}
	}

	c.ClientProperties = clientProps
	c.Username = username
	c.State = StateAwaitingTuneOk
	return c.sendConnectionTune()
}

func decodeCredentials(mechanism, response string) (username, password string, ok bool) {
	switch mechanism {
	case "PLAIN":
		parts := strings.SplitN(response, "\x00", 3)
		if len(parts) != 3 {
			return "", "", false
		}
		return parts[1], parts[2], true
	case "AMQPLAIN":
		r := bytes.NewReader([]byte(response))
		table, err := readTable(r)
		if err != nil {
			return "", "", false
		}
		login, _ := table["LOGIN"].(string)
		pass, _ := table["PASSWORD"].(string)
		return login, pass, true
	default:
		return "", "", false
	}
}

func (c *Connection) handleConnectionTuneOk(r *bytes.Reader) error {
	var channelMax uint16
	var frameMax uint32
	var heartbeat uint16
	if err := binary.Read(r, binary.BigEndian, &channelMax); err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed tune-ok (channel-max)", ClassConnection, MethodConnectionTuneOk)
	}
	if err := binary.Read(r, binary.BigEndian, &frameMax); err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed tune-ok (frame-max)", ClassConnection, MethodConnectionTuneOk)
	}
	if err := binary.Read(r, binary.BigEndian, &heartbeat); err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed tune-ok (heartbeat)", ClassConnection, MethodConnectionTuneOk)
	}

	c.ChannelMax = uint16(config.Negotiate(uint32(channelMax), uint32(c.Broker.tuning.ChannelMax)))
	c.FrameMax = config.Negotiate(frameMax, c.Broker.tuning.FrameMax)
	c.Heartbeat = uint16(config.Negotiate(uint32(heartbeat), uint32(c.Broker.tuning.Heartbeat)))

	if c.Heartbeat > 0 {
		go c.heartbeatMonitor()
	}

	c.State = StateAwaitingOpen
	return nil
}

func (c *Connection) handleConnectionOpen(r *bytes.Reader) error {
	vhost, err := readShortString(r)
	if err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed open (virtual-host)", ClassConnection, MethodConnectionOpen)
	}
	if _, err := r.ReadByte(); err != nil {
		// reserved-1 (insist), absent on some clients; ignore absence.
	}
	c.VirtualHost = vhost
	c.State = StateOpen

	buf := &bytes.Buffer{}
	writeShortString(buf, "") // reserved-1
	if err := c.sendMethodFrame(0, ClassConnection, MethodConnectionOpenOk, buf.Bytes()); err != nil {
		return err
	}
	return nil
}

func (c *Connection) handleConnectionClose(r *bytes.Reader) error {
	// Reply with Close-Ok regardless of payload contents; both sides
	// then close the socket (spec.md §4.2 step 5).
	if err := c.sendMethodFrame(0, ClassConnection, MethodConnectionCloseOk, nil); err != nil {
		return err
	}
	return errConnectionClosedGracefully
}

func (c *Connection) handleConnectionCloseOk(r *bytes.Reader) error {
	return errConnectionCloseSentByServer
}
