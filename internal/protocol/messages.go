package protocol

import "time"

// ControlRequest carries the argument of a speech control call. Ops without
// an argument send an empty object.
type ControlRequest struct {
	Language string `json:"language,omitempty"`
	Millis   int    `json:"millis,omitempty"`
}

// ControlReply acknowledges that a control call was forwarded. It does not
// report recognition outcome; that arrives as events.
type ControlReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Value string `json:"value,omitempty"`
}

// EventPayload is the body of every outward speech event.
type EventPayload struct {
	Value string `json:"value"`
}

// StatusSnapshot describes the bridge for the HTTP status endpoint.
type StatusSnapshot struct {
	SessionID string    `json:"session_id"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectControlPrefix = "speech.ctrl"
	SubjectEventPrefix   = "speech.event"
)

// Control operations, used as the last subject token.
const (
	OpStartListening          = "start_listening"
	OpStopListening           = "stop_listening"
	OpDestroy                 = "destroy"
	OpSetLanguage             = "set_language"
	OpSetTotalListeningLength = "set_total_listening_length"
	OpSetListeningPauseLength = "set_listening_pause_length"
	OpIsAvailable             = "is_available"
	OpRequestPermission       = "request_permission"
	OpInitialize              = "initialize"
)

func ControlSubject(op string) string {
	return SubjectControlPrefix + "." + op
}

func EventSubject(name string) string {
	return SubjectEventPrefix + "." + name
}
