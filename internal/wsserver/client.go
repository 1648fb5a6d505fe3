package wsserver

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
)

var (
	ErrUnauthorized = errors.New("handshake unauthorized")
	ErrNotPermitted = errors.New("capability not granted")
)

// ServerError is an error message sent by the server before it closes the connection.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string { return "server error: " + e.Message }

// Client is a peer of the channel server.
type Client struct {
	conn     *websocket.Conn
	deviceID string
	caps     Capability
	timeout  time.Duration

	writeMu sync.Mutex
}

// Dial connects to url and performs the handshake with tokens "recv,send".
func Dial(ctx context.Context, url, deviceID, tokens string) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: DefaultHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", url)
	}

	c := &Client{conn: conn, deviceID: deviceID, timeout: DefaultSendTimeout}
	if err := c.handshake(tokens); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) handshake(tokens string) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if err := c.conn.WriteJSON(HandshakeRequest{Type: TypeHandshake, DeviceID: c.deviceID, AuthTokens: tokens}); err != nil {
		return errors.Wrap(err, "send handshake")
	}

	_ = c.conn.SetReadDeadline(time.Now().Add(DefaultHandshakeTimeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return errors.Wrap(err, "read handshake reply")
	}
	_ = c.conn.SetReadDeadline(time.Time{})

	typ, err := decodeType(data)
	if err != nil {
		return errors.Wrap(err, "decode handshake reply")
	}
	switch typ {
	case TypeError:
		var msg ErrorMessage
		_ = json.Unmarshal(data, &msg)
		return &ServerError{Message: msg.ErrorString}
	case TypeHandshake:
	default:
		return errors.Newf("unexpected %q message during handshake", typ)
	}

	var reply HandshakeReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return errors.Wrap(err, "decode handshake reply")
	}
	if !strings.HasPrefix(reply.HandshakeString, AuthorizedPrefix) {
		return errors.Wrapf(ErrUnauthorized, "%s", reply.HandshakeString)
	}
	c.caps = ParseAuthString(reply.HandshakeString)
	return nil
}

// Capabilities are the permissions granted at handshake.
func (c *Client) Capabilities() Capability { return c.caps }

// SendCommand sends one command string such as "cam/1" or "sch/0".
func (c *Client) SendCommand(command string) error {
	if !c.caps.Has(CanSendCommands) {
		return errors.Wrap(ErrNotPermitted, "send commands")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	err := c.conn.WriteJSON(CommandMessage{
		Type:          TypeCommand,
		DeviceID:      c.deviceID,
		Time:          time.Now().Format(time.ANSIC),
		CommandString: command,
	})
	return errors.Wrap(err, "send command")
}

// ReadStatus blocks until the next status message. Messages of other types
// are skipped; an error message from the server is returned as *ServerError.
func (c *Client) ReadStatus(ctx context.Context) (StatusMessage, error) {
	if !c.caps.Has(CanReceiveStatus) {
		return StatusMessage{}, errors.Wrap(ErrNotPermitted, "receive status")
	}

	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return StatusMessage{}, ctx.Err()
			}
			return StatusMessage{}, errors.Wrap(err, "read status")
		}

		typ, err := decodeType(data)
		if err != nil {
			continue
		}
		switch typ {
		case TypeStatus:
			var msg StatusMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				return StatusMessage{}, errors.Wrap(err, "decode status")
			}
			return msg, nil
		case TypeError:
			var msg ErrorMessage
			_ = json.Unmarshal(data, &msg)
			return StatusMessage{}, &ServerError{Message: msg.ErrorString}
		}
	}
}

// Close sends a normal close frame and closes the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeWait))
	c.writeMu.Unlock()
	return c.conn.Close()
}
