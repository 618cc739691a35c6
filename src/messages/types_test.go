package messages

import (
	"encoding/json"
	"testing"

	"screenshotd/src/capture"
)

func TestFromOutcomeShapes(t *testing.T) {
	data, _ := json.Marshal(FromOutcome(capture.Success("/p/screenshot_1000.png")))
	if string(data) != `{"type":"success","path":"/p/screenshot_1000.png"}` {
		t.Errorf("Unexpected success shape: %s", data)
	}

	fail := capture.Failure(&capture.Error{Kind: capture.PrivilegedCaptureFailed, Detail: "privileged capture failed", ExitCode: 1})
	data, _ = json.Marshal(FromOutcome(fail))
	want := `{"type":"error","code":"PRIVILEGED_CAPTURE_FAILED","message":"privileged capture failed (exit code 1)"}`
	if string(data) != want {
		t.Errorf("Expected %s, got %s", want, data)
	}
}

func TestToOutcomeKeepsKind(t *testing.T) {
	m := Outcome{Type: TypeError, Code: "CAPTURE_TIMEOUT", Message: "late"}
	o := m.ToOutcome()
	if o.OK() || o.Err.Kind != capture.CaptureTimeout {
		t.Errorf("Expected CaptureTimeout, got %v", o)
	}
	if s := (Outcome{Type: TypeSuccess, Path: "/x.png"}).ToOutcome(); !s.OK() || s.Path != "/x.png" {
		t.Errorf("Expected success, got %v", s)
	}
}
