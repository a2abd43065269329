package messaging

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/scusemua/remote-notebook/common/jupyter"
)

const (
	ShellExecuteRequest  = "execute_request"
	ShellExecuteReply    = "execute_reply"
	ShellCompleteRequest = "complete_request"
	ShellCompleteReply   = "complete_reply"
	ShellInspectRequest  = "inspect_request"
	ShellInspectReply    = "inspect_reply"
	KernelInfoRequest    = "kernel_info_request"
	KernelInfoReply      = "kernel_info_reply"

	IOStatusMessage  = "status"
	IOStreamMessage  = "stream"
	IOExecuteResult  = "execute_result"
	IODisplayData    = "display_data"
	IOErrorMessage   = "error"
	IOExecuteInput   = "execute_input"
	IOClearOutput    = "clear_output"

	StreamStdout = "stdout"
	StreamStderr = "stderr"

	JavascriptISOString = "2006-01-02T15:04:05.999Z07:00"
)

var (
	ErrMalformedMessage = fmt.Errorf("malformed jupyter message")
)

type JupyterMessageType string

func (t JupyterMessageType) String() string {
	return string(t)
}

// GetBaseMessageType returns the base portion of the Jupyter message type.
// The "base part" is best defined through an example:
//
// If the message type is "execute_request", then this returns "execute_" and true.
//
// If the message type is not of the form "{action}_request" or "{action}_reply", then this
// returns the empty string and false.
func (t JupyterMessageType) GetBaseMessageType() (string, bool) {
	if strings.HasSuffix(t.String(), "request") {
		return t.String()[0 : len(t.String())-7], true
	} else if strings.HasSuffix(t.String(), "reply") {
		return t.String()[0 : len(t.String())-5], true
	}

	return "", false
}

// IsReply returns true for "{action}_reply" message types.
func (t JupyterMessageType) IsReply() bool {
	return strings.HasSuffix(t.String(), "_reply")
}

// MessageHeader is a Jupyter message header.
// http://jupyter-client.readthedocs.io/en/latest/messaging.html#general-message-format
type MessageHeader struct {
	MsgID    string             `json:"msg_id"`
	Username string             `json:"username"`
	Session  string             `json:"session"`
	Date     string             `json:"date"`
	MsgType  JupyterMessageType `json:"msg_type"`
	Version  string             `json:"version"`
}

func (header *MessageHeader) Clone() *MessageHeader {
	return &MessageHeader{
		MsgID:    header.MsgID,
		Username: header.Username,
		Session:  header.Session,
		Date:     header.Date,
		MsgType:  header.MsgType,
		Version:  header.Version,
	}
}

func (header *MessageHeader) String() string {
	m, err := json.Marshal(header)
	if err != nil {
		panic(err)
	}

	return string(m)
}

// Message is the websocket framing of a Jupyter kernel message: a single JSON
// object carrying the header, parent header, metadata, and content, plus the
// logical channel and any binary buffer attachments.
//
// Content is kept raw so that inbound messages can be decoded into the
// appropriate typed payload once the message type is known; use DecodeContent.
// Buffers are carried opaquely: none of this client's operations consume them,
// but they must survive a decode/encode round trip.
type Message struct {
	Header       MessageHeader          `json:"header"`
	ParentHeader MessageHeader          `json:"parent_header"`
	Metadata     map[string]interface{} `json:"metadata"`
	Content      json.RawMessage        `json:"content"`
	Channel      string                 `json:"channel,omitempty"`
	Buffers      []json.RawMessage      `json:"buffers,omitempty"`
}

// NewMessage creates an outgoing message of the given type with a fresh message ID,
// the supplied session identity, and the current timestamp. The parent header may be
// nil for fresh requests, in which case it is left empty per the protocol.
func NewMessage(msgType JupyterMessageType, content interface{}, parentHeader *MessageHeader, session string, username string) (*Message, error) {
	encodedContent, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}

	msg := &Message{
		Header: MessageHeader{
			MsgID:    uuid.NewString(),
			Username: username,
			Session:  session,
			Date:     time.Now().UTC().Format(JavascriptISOString),
			MsgType:  msgType,
			Version:  jupyter.ProtocolVersion,
		},
		Metadata: make(map[string]interface{}),
		Content:  encodedContent,
	}

	if parentHeader != nil {
		msg.ParentHeader = *parentHeader
	}

	return msg, nil
}

// Encode serializes the message to its textual websocket frame.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses an inbound transport frame into a Message. It fails with
// ErrMalformedMessage if the frame is not valid JSON or lacks a header.msg_type;
// callers are expected to log and drop such frames rather than propagate the error.
func Decode(frame []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	if msg.Header.MsgType == "" {
		return nil, fmt.Errorf("%w: missing header.msg_type", ErrMalformedMessage)
	}

	return &msg, nil
}

// DecodeContent unmarshals the content payload into the given value.
func (m *Message) DecodeContent(v interface{}) error {
	if len(m.Content) == 0 {
		return fmt.Errorf("%w: empty content", ErrMalformedMessage)
	}
	return json.Unmarshal(m.Content, v)
}

// JupyterMessageType returns the message type from the header.
func (m *Message) JupyterMessageType() JupyterMessageType {
	return m.Header.MsgType
}

// JupyterMessageId returns the message ID from the header.
func (m *Message) JupyterMessageId() string {
	return m.Header.MsgID
}

// JupyterParentMessageId returns the message ID of the request this message
// replies to, or the empty string for fresh requests.
func (m *Message) JupyterParentMessageId() string {
	return m.ParentHeader.MsgID
}

// JupyterSession returns the session identity from the header.
func (m *Message) JupyterSession() string {
	return m.Header.Session
}

func (m *Message) String() string {
	encoded, err := json.Marshal(m)
	if err != nil {
		panic(err)
	}

	return string(encoded)
}

// IsOutput returns true for the message types that an execution surfaces to its
// output sink: stream text, rich results, display data, and kernel-reported errors.
func (m *Message) IsOutput() bool {
	switch m.Header.MsgType {
	case IOStreamMessage, IOExecuteResult, IODisplayData, IOErrorMessage:
		return true
	}
	return false
}
