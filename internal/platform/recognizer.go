package platform

import "context"

// Recognizer error codes, numbered as the Android SpeechRecognizer reports them.
const (
	ErrorNetworkTimeout          = 1
	ErrorNetwork                 = 2
	ErrorAudio                   = 3
	ErrorServer                  = 4
	ErrorClient                  = 5
	ErrorSpeechTimeout           = 6
	ErrorNoMatch                 = 7
	ErrorRecognizerBusy          = 8
	ErrorInsufficientPermissions = 9
)

// Intent is the recognition request handed to the platform when listening starts.
// Zero millisecond values leave the platform default in place.
type Intent struct {
	Language              string
	MinimumLengthMillis   int
	CompleteSilenceMillis int
}

// Listener receives recognizer callbacks. Implementations must not assume
// which goroutine a callback arrives on.
type Listener interface {
	OnReadyForSpeech()
	OnBeginningOfSpeech()
	OnEndOfSpeech()
	OnError(code int)
	OnPartialResults(results []string)
	// OnResults receives nil when the platform delivered no result list.
	OnResults(results []string)
}

// Session is a platform recognizer handle. Calls are fire-and-forget; the
// outcome is observed only through Listener callbacks.
type Session interface {
	StartListening(intent Intent)
	StopListening()
	Destroy()
}

// Recognizer probes and creates platform sessions.
type Recognizer interface {
	Available() bool
	NewSession(listener Listener) (Session, error)
}

// PermissionStatus mirrors the host permission dialog outcome.
type PermissionStatus string

const (
	PermissionGranted       PermissionStatus = "granted"
	PermissionDenied        PermissionStatus = "denied"
	PermissionNeverAskAgain PermissionStatus = "never_ask_again"
)

// Permissions requests microphone access from the host.
type Permissions interface {
	RequestRecordAudio(ctx context.Context) (PermissionStatus, error)
}

// StaticPermissions answers every request with a fixed status.
type StaticPermissions PermissionStatus

func (s StaticPermissions) RequestRecordAudio(ctx context.Context) (PermissionStatus, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return PermissionStatus(s), nil
}
