package protocol

import "testing"

func TestSubjects(t *testing.T) {
	if got := ControlSubject(OpSetLanguage); got != "speech.ctrl.set_language" {
		t.Fatalf("unexpected control subject %q", got)
	}
	if got := EventSubject("onSpeechError"); got != "speech.event.onSpeechError" {
		t.Fatalf("unexpected event subject %q", got)
	}
}
