package speech

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-speech/internal/platform"
)

// Kind identifies an outward event variant.
type Kind int

const (
	KindAvailability Kind = iota + 1
	KindPartialResult
	KindFinalResult
	KindError
)

// Host event names.
const (
	EventSpeechAvailable      = "onSpeechAvailable"
	EventSpeechPartialResults = "onSpeechPartialResults"
	EventSpeechResults        = "onSpeechResults"
	EventSpeechError          = "onSpeechError"
)

// ErrorCode groups adapter and recognizer failures.
type ErrorCode string

const (
	CodeUnavailable             ErrorCode = "unavailable"
	CodeAudio                   ErrorCode = "audio"
	CodeClient                  ErrorCode = "client"
	CodeInsufficientPermissions ErrorCode = "insufficient-permissions"
	CodeNetwork                 ErrorCode = "network"
	CodeNetworkTimeout          ErrorCode = "network-timeout"
	CodeNoMatch                 ErrorCode = "no-match"
	CodeRecognizerBusy          ErrorCode = "recognizer-busy"
	CodeServer                  ErrorCode = "server"
	CodeSpeechTimeout           ErrorCode = "speech-timeout"
	CodeUnknown                 ErrorCode = "unknown"
)

// UnavailableMessage is reported once when the device has no recognizer.
const UnavailableMessage = "Speech recognition service NOT available"

// Event is one outward notification. Only the fields of its Kind are set.
type Event struct {
	Kind      Kind
	Available bool
	Text      string
	Code      ErrorCode
	RawCode   int
	Message   string
}

// Name returns the host event name for e.
func (e Event) Name() string {
	switch e.Kind {
	case KindAvailability:
		return EventSpeechAvailable
	case KindPartialResult:
		return EventSpeechPartialResults
	case KindFinalResult:
		return EventSpeechResults
	case KindError:
		return EventSpeechError
	default:
		return ""
	}
}

// Value returns the string payload delivered with the host event.
func (e Event) Value() string {
	switch e.Kind {
	case KindAvailability:
		return strconv.FormatBool(e.Available)
	case KindPartialResult, KindFinalResult:
		return e.Text
	case KindError:
		return e.Message
	default:
		return ""
	}
}

func (e Event) String() string {
	return fmt.Sprintf("%s(%q)", e.Name(), e.Value())
}

func availabilityEvent(available bool) Event {
	return Event{Kind: KindAvailability, Available: available}
}

func partialEvent(text string) Event {
	return Event{Kind: KindPartialResult, Text: text}
}

func finalEvent(results []string) Event {
	return Event{Kind: KindFinalResult, Text: formatResults(results)}
}

func unavailableEvent() Event {
	return Event{Kind: KindError, Code: CodeUnavailable, Message: UnavailableMessage}
}

func recognizerErrorEvent(raw int) Event {
	code, name := classify(raw)
	return Event{
		Kind:    KindError,
		Code:    code,
		RawCode: raw,
		Message: fmt.Sprintf("%s Error code: %d", name, raw),
	}
}

func classify(raw int) (ErrorCode, string) {
	switch raw {
	case platform.ErrorAudio:
		return CodeAudio, "ERROR_AUDIO"
	case platform.ErrorClient:
		return CodeClient, "ERROR_CLIENT"
	case platform.ErrorInsufficientPermissions:
		return CodeInsufficientPermissions, "ERROR_INSUFFICIENT_PERMISSIONS"
	case platform.ErrorNetwork:
		return CodeNetwork, "ERROR_NETWORK"
	case platform.ErrorNetworkTimeout:
		return CodeNetworkTimeout, "ERROR_NETWORK_TIMEOUT"
	case platform.ErrorNoMatch:
		return CodeNoMatch, "ERROR_NO_MATCH"
	case platform.ErrorRecognizerBusy:
		return CodeRecognizerBusy, "ERROR_RECOGNIZER_BUSY"
	case platform.ErrorServer:
		return CodeServer, "ERROR_SERVER"
	case platform.ErrorSpeechTimeout:
		return CodeSpeechTimeout, "ERROR_SPEECH_TIMEOUT"
	default:
		return CodeUnknown, "ERROR_UNKNOWN"
	}
}

// formatResults renders a result list the way the host's list stringification
// does: "[a, b]", or "null" when the platform sent none.
func formatResults(results []string) string {
	if results == nil {
		return "null"
	}
	return "[" + strings.Join(results, ", ") + "]"
}

// Observer receives adapter events on the adapter's looper goroutine.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }
