package messaging

import (
	"strings"

	"github.com/goccy/go-json"
)

const (
	MessageKernelStatusIdle     = "idle"
	MessageKernelStatusBusy     = "busy"
	MessageKernelStatusStarting = "starting"

	MessageStatusOK    = "ok"
	MessageStatusError = "error"
	MessageStatusAbort = "abort"
)

// MessageKernelStatus is the content of an IOPub "status" message.
type MessageKernelStatus struct {
	Status string `json:"execution_state"`
}

// MessageExecuteRequest is the content of a shell "execute_request" message.
type MessageExecuteRequest struct {
	Code            string                 `json:"code"`
	Silent          bool                   `json:"silent"`
	StoreHistory    bool                   `json:"store_history"`
	UserExpressions map[string]interface{} `json:"user_expressions"`
	AllowStdin      bool                   `json:"allow_stdin"`
	StopOnError     bool                   `json:"stop_on_error"`
}

// MessageExecuteReply is the content of a shell "execute_reply" message.
// The reply arrives on the shell channel before the terminating idle status;
// the session records it for the caller but does not treat it as completion.
type MessageExecuteReply struct {
	Status         string `json:"status"`
	ExecutionCount int    `json:"execution_count"`
	ErrName        string `json:"ename,omitempty"`
	ErrValue       string `json:"evalue,omitempty"`
}

// MessageCompleteRequest is the content of a shell "complete_request" message.
type MessageCompleteRequest struct {
	Code      string `json:"code"`
	CursorPos int    `json:"cursor_pos"`
}

// MessageCompleteReply is the content of a shell "complete_reply" message.
type MessageCompleteReply struct {
	Matches     []string               `json:"matches"`
	CursorStart int                    `json:"cursor_start"`
	CursorEnd   int                    `json:"cursor_end"`
	Metadata    map[string]interface{} `json:"metadata"`
	Status      string                 `json:"status"`
}

// MessageStream is the content of an IOPub "stream" message. Name is either
// "stdout" or "stderr".
type MessageStream struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// MessageDisplayData is the content of IOPub "execute_result" and "display_data"
// messages: a MIME-type-keyed bundle of representations of one value.
// ExecutionCount is only populated for "execute_result".
type MessageDisplayData struct {
	Data           map[string]interface{} `json:"data"`
	Metadata       map[string]interface{} `json:"metadata"`
	ExecutionCount int                    `json:"execution_count,omitempty"`
}

// MessageError is the content of an IOPub "error" message.
type MessageError struct {
	ErrName   string   `json:"ename"`
	ErrValue  string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

func (m *MessageError) String() string {
	out, err := json.Marshal(m)
	if err != nil {
		panic(err)
	}

	return string(out)
}

// JoinedTraceback returns the traceback entries joined by newlines.
func (m *MessageError) JoinedTraceback() string {
	return strings.Join(m.Traceback, "\n")
}
