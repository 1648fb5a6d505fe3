package wsserver

import (
	"encoding/json"
	"strings"
)

// Message types on the wire.
const (
	TypeHandshake = "handshake"
	TypeStatus    = "status"
	TypeCommand   = "command"
	TypeError     = "error"
)

// Handshake replies and error strings.
const (
	AuthorizedPrefix     = "Authorized for: "
	ReplyUnauthorized    = "Unauthorized"
	ReplyMaxClients      = "Unauthorized - max number of clients exceeded"
	ErrHandshakeRequired = "Handshake required"
	ErrHandshakeTimeout  = "Handshake timeout"
	ErrInvalidMessage    = "Invalid message"
	ErrSendRetries       = "Timeout after send retries"
)

const (
	capRecvName = "recv_status"
	capSendName = "send_cmd"
)

// Capability is a permission granted to a client at handshake.
type Capability uint8

const (
	CanReceiveStatus Capability = 1 << iota
	CanSendCommands
)

func (c Capability) Has(o Capability) bool { return c&o == o }

// AuthString renders the handshake reply body, e.g. "recv_status,send_cmd" or "recv_status,".
func (c Capability) AuthString() string {
	var recv, send string
	if c.Has(CanReceiveStatus) {
		recv = capRecvName
	}
	if c.Has(CanSendCommands) {
		send = capSendName
	}
	return recv + "," + send
}

// ParseAuthString is the inverse of AuthString, used by clients.
func ParseAuthString(s string) Capability {
	s = strings.TrimPrefix(s, AuthorizedPrefix)
	recv, send, _ := strings.Cut(s, ",")
	var c Capability
	if strings.TrimSpace(recv) == capRecvName {
		c |= CanReceiveStatus
	}
	if strings.TrimSpace(send) == capSendName {
		c |= CanSendCommands
	}
	return c
}

// Envelope carries the type of any message.
type Envelope struct {
	Type string `json:"type"`
}

// HandshakeRequest is the first message a client sends.
type HandshakeRequest struct {
	Type       string `json:"type"`
	DeviceID   string `json:"device_id"`
	AuthTokens string `json:"auth_tokens"`
}

// HandshakeReply answers a handshake.
type HandshakeReply struct {
	Type            string `json:"type"`
	HandshakeString string `json:"handshake_string"`
}

// StatusMessage is pushed to clients allowed to receive status.
type StatusMessage struct {
	Type       string            `json:"type"`
	DeviceID   string            `json:"device_id"`
	Time       string            `json:"time"`
	StatusDict map[string]string `json:"status_dict"`
}

// CommandMessage is sent by clients allowed to send commands.
type CommandMessage struct {
	Type          string `json:"type"`
	DeviceID      string `json:"device_id"`
	Time          string `json:"time"`
	CommandString string `json:"command_string"`
}

// ErrorMessage precedes a server-side close.
type ErrorMessage struct {
	Type        string `json:"type"`
	ErrorString string `json:"error_string"`
}

func newErrorMessage(msg string) ErrorMessage {
	return ErrorMessage{Type: TypeError, ErrorString: msg}
}

func decodeType(data []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", err
	}
	return env.Type, nil
}
