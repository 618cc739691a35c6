package messages

import (
	"screenshotd/src/capture"
)

// Outcome message types.
const (
	TypeSuccess = "success"
	TypeError   = "error"
)

// IPC command words, one per request line.
const (
	CmdPing      = "PING"
	CmdCapture   = "CAPTURE"
	CmdTrigger   = "TRIGGER"
	CmdReconnect = "RECONNECT"
	CmdListen    = "LISTEN"
)

// IPC reply words.
const (
	ReplyPong     = "PONG"
	ReplyAccepted = "ACCEPTED"
	ReplyBusy     = "BUSY"
	ReplyOK       = "OK"
	ReplyError    = "ERROR"
)

// Outcome is the wire form of a capture outcome:
// {"type":"success","path":...} or {"type":"error","code":...,"message":...}.
type Outcome struct {
	Type    string `json:"type"`
	Path    string `json:"path,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// FromOutcome converts a capture outcome to its wire form.
func FromOutcome(o capture.Outcome) Outcome {
	if o.OK() {
		return Outcome{Type: TypeSuccess, Path: o.Path}
	}
	return Outcome{Type: TypeError, Code: o.Err.Kind.Code(), Message: o.Err.Message()}
}

// ToOutcome converts a wire message back into a capture outcome.
func (m Outcome) ToOutcome() capture.Outcome {
	if m.Type == TypeSuccess {
		return capture.Success(m.Path)
	}
	return capture.Outcome{Err: &capture.Error{Kind: capture.KindFromCode(m.Code), Detail: m.Message}}
}

// Accepted is the JSON reply of the HTTP trigger endpoints.
type Accepted struct {
	Accepted bool `json:"accepted"`
}

// Status is a generic JSON status reply.
type Status struct {
	Status string `json:"status"`
}
