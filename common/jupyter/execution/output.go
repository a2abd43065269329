package execution

import (
	"sort"

	"github.com/goccy/go-json"

	"github.com/scusemua/remote-notebook/common/jupyter/messaging"
)

type OutputType string

const (
	OutputStream  OutputType = "stream"
	OutputResult  OutputType = "execute_result"
	OutputDisplay OutputType = "display_data"
	OutputError   OutputType = "error"
)

// ErrorOutput is a kernel-reported exception: its type name, message, and the
// traceback frames joined into one newline-separated string.
type ErrorOutput struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack"`
}

// CellOutput is one structured output item of a cell execution.
//
// Stream outputs carry StreamName ("stdout" or "stderr") and Value. Rich
// outputs carry one MimeType/Value pair each; a display bundle with several
// MIME representations produces several CellOutputs. Error outputs carry Error.
type CellOutput struct {
	Type       OutputType   `json:"type"`
	StreamName string       `json:"stream_name,omitempty"`
	MimeType   string       `json:"mime_type,omitempty"`
	Value      string       `json:"value,omitempty"`
	Error      *ErrorOutput `json:"error,omitempty"`
}

// CellResult is the outcome of executing one cell.
type CellResult struct {
	Outputs        []*CellOutput `json:"outputs"`
	ExecutionCount int           `json:"execution_count,omitempty"`
	Status         string        `json:"status,omitempty"`

	// Err is a transport-level failure. A kernel-reported exception is not an
	// Err; it appears as an error-typed item in Outputs.
	Err error `json:"-"`
}

// Failed reports whether the execution failed, either at the transport level
// or because the kernel raised.
func (r *CellResult) Failed() bool {
	if r.Err != nil {
		return true
	}

	for _, output := range r.Outputs {
		if output.Type == OutputError {
			return true
		}
	}

	return false
}

// translateOutput maps one raw kernel output message onto structured cell
// output items. Messages that fail to decode yield nothing; the session has
// already validated the envelope, so a bad content payload is the kernel's
// problem, not grounds for failing the execution.
func translateOutput(msg *messaging.Message) []*CellOutput {
	switch msg.JupyterMessageType() {
	case messaging.IOStreamMessage:
		var stream messaging.MessageStream
		if err := msg.DecodeContent(&stream); err != nil {
			return nil
		}

		return []*CellOutput{{
			Type:       OutputStream,
			StreamName: stream.Name,
			Value:      stream.Text,
		}}

	case messaging.IOExecuteResult, messaging.IODisplayData:
		var display messaging.MessageDisplayData
		if err := msg.DecodeContent(&display); err != nil {
			return nil
		}

		outputType := OutputResult
		if msg.JupyterMessageType() == messaging.IODisplayData {
			outputType = OutputDisplay
		}

		// One item per MIME representation. Keys are sorted so the result is
		// deterministic; JSON object order is not.
		mimeTypes := make([]string, 0, len(display.Data))
		for mimeType := range display.Data {
			mimeTypes = append(mimeTypes, mimeType)
		}
		sort.Strings(mimeTypes)

		outputs := make([]*CellOutput, 0, len(mimeTypes))
		for _, mimeType := range mimeTypes {
			outputs = append(outputs, &CellOutput{
				Type:     outputType,
				MimeType: mimeType,
				Value:    stringifyMimeValue(display.Data[mimeType]),
			})
		}

		return outputs

	case messaging.IOErrorMessage:
		var kernelError messaging.MessageError
		if err := msg.DecodeContent(&kernelError); err != nil {
			return nil
		}

		return []*CellOutput{{
			Type: OutputError,
			Error: &ErrorOutput{
				Name:    kernelError.ErrName,
				Message: kernelError.ErrValue,
				Stack:   kernelError.JoinedTraceback(),
			},
		}}
	}

	return nil
}

// stringifyMimeValue renders one MIME representation as text: strings pass
// through, anything else (e.g. application/json payloads) is serialized to its
// canonical JSON form.
func stringifyMimeValue(value interface{}) string {
	if text, ok := value.(string); ok {
		return text
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return ""
	}

	return string(encoded)
}
