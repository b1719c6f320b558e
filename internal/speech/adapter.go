package speech

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-speech/internal/looper"
	"github.com/loqalabs/loqa-speech/internal/platform"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DefaultLanguage is used when Options.Defaults carries no language.
const DefaultLanguage = "sv-SE"

// ErrNoPermissions is returned by RequestPermission when the host supplied no
// permission facility.
var ErrNoPermissions = errors.New("no permission facility configured")

// State is the session lifecycle position.
type State int32

const (
	StateUninitialized State = iota
	StateIdle
	StateListening
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

type Options struct {
	// ID names the session; a random UUID is used when empty.
	ID string
	// Defaults seeds the recognition request. Language falls back to DefaultLanguage.
	Defaults    platform.Intent
	Permissions platform.Permissions
	Logger      *slog.Logger
	// Observers are registered before the session is created, so they see a
	// construction-time unavailable error.
	Observers []Observer
	Meter     metric.Meter
}

// Adapter owns one platform recognizer session and relays its callbacks as
// Events. Every public method may be called from any goroutine; the work runs
// on the adapter's looper.
type Adapter struct {
	id          string
	loop        *looper.Looper
	recognizer  platform.Recognizer
	permissions platform.Permissions
	log         *slog.Logger

	// owned by the looper goroutine
	session platform.Session
	intent  platform.Intent
	partial strings.Builder

	state atomic.Int32

	mu        sync.RWMutex
	observers []observerEntry
	nextObsID int

	closeOnce sync.Once

	eventCounter metric.Int64Counter
	callCounter  metric.Int64Counter
}

type observerEntry struct {
	id  int
	obs Observer
}

// New creates the adapter and schedules session creation on its looper.
// It never fails; an unavailable recognizer surfaces as an error Event.
func New(recognizer platform.Recognizer, opts Options) *Adapter {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	intent := opts.Defaults
	if intent.Language == "" {
		intent.Language = DefaultLanguage
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	a := &Adapter{
		id:          id,
		recognizer:  recognizer,
		permissions: opts.Permissions,
		intent:      intent,
	}
	a.log = logger.With(slog.String("component", "speech-adapter"), slog.String("session_id", a.id))
	a.loop = looper.New("speech", a.log)
	for _, obs := range opts.Observers {
		a.addObserver(obs)
	}
	a.initMetrics(opts.Meter)
	a.loop.Post(a.construct)
	return a
}

// ID identifies this adapter instance in logs and journals.
func (a *Adapter) ID() string { return a.id }

// State reports the current lifecycle state.
func (a *Adapter) State() State { return State(a.state.Load()) }

// Subscribe registers obs and returns a function removing it.
func (a *Adapter) Subscribe(obs Observer) func() {
	id := a.addObserver(obs)
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		for i, entry := range a.observers {
			if entry.id == id {
				a.observers = append(a.observers[:i], a.observers[i+1:]...)
				return
			}
		}
	}
}

func (a *Adapter) addObserver(obs Observer) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextObsID++
	a.observers = append(a.observers, observerEntry{id: a.nextObsID, obs: obs})
	return a.nextObsID
}

func (a *Adapter) SetLanguage(tag string) {
	a.post("set_language", func() {
		if a.State() == StateDestroyed {
			return
		}
		a.intent.Language = tag
	})
}

// SetTotalListeningLength sets the minimum listening duration in milliseconds.
func (a *Adapter) SetTotalListeningLength(millis int) {
	a.post("set_total_listening_length", func() {
		if a.State() == StateDestroyed {
			return
		}
		a.intent.MinimumLengthMillis = millis
	})
}

// SetListeningPauseLength sets how long a pause may last before the platform stops listening.
func (a *Adapter) SetListeningPauseLength(millis int) {
	a.post("set_listening_pause_length", func() {
		if a.State() == StateDestroyed {
			return
		}
		a.intent.CompleteSilenceMillis = millis
	})
}

func (a *Adapter) StartListening() {
	a.post("start_listening", func() {
		if a.session == nil {
			return
		}
		a.log.Debug("starting to listen",
			slog.String("language", a.intent.Language),
			slog.Int("min_length_ms", a.intent.MinimumLengthMillis),
			slog.Int("silence_ms", a.intent.CompleteSilenceMillis))
		a.session.StartListening(a.intent)
		a.state.Store(int32(StateListening))
	})
}

func (a *Adapter) StopListening() {
	a.post("stop_listening", func() {
		if a.session == nil {
			return
		}
		a.log.Debug("stopping to listen")
		a.session.StopListening()
		a.state.Store(int32(StateIdle))
	})
}

// Destroy releases the session. The adapter is unusable afterwards.
func (a *Adapter) Destroy() {
	a.post("destroy", a.destroy)
}

func (a *Adapter) destroy() {
	if a.session == nil {
		return
	}
	a.log.Debug("destroying session")
	a.session.Destroy()
	a.session = nil
	a.partial.Reset()
	a.state.Store(int32(StateDestroyed))
}

// CheckAvailability emits an Availability event with the platform probe result.
func (a *Adapter) CheckAvailability() {
	a.post("is_available", func() {
		if a.State() == StateDestroyed {
			return
		}
		a.emit(availabilityEvent(a.probe()))
	})
}

// RequestPermission asks the host for microphone access.
func (a *Adapter) RequestPermission(ctx context.Context) (platform.PermissionStatus, error) {
	a.countCall("request_permission")
	if a.permissions == nil {
		return "", ErrNoPermissions
	}
	return a.permissions.RequestRecordAudio(ctx)
}

// PartialTranscript returns the text accumulated since the last ready signal.
func (a *Adapter) PartialTranscript(ctx context.Context) (string, error) {
	var text string
	err := a.loop.Call(ctx, func() { text = a.partial.String() })
	return text, err
}

// Sync waits until all previously posted work, including callbacks already
// received from the platform, has been processed.
func (a *Adapter) Sync(ctx context.Context) error {
	return a.loop.Sync(ctx)
}

// Close destroys the session and stops the looper.
func (a *Adapter) Close() {
	a.closeOnce.Do(func() {
		a.loop.Post(a.destroy)
		a.loop.Close()
	})
}

func (a *Adapter) construct() {
	if !a.probe() {
		a.log.Error("speech recognition service not available")
		a.emit(unavailableEvent())
		return
	}
	session, err := a.recognizer.NewSession(listener{a})
	if err != nil {
		a.log.Error("failed to create recognizer session", slog.String("error", err.Error()))
		a.emit(unavailableEvent())
		return
	}
	a.session = session
	a.state.Store(int32(StateIdle))
}

func (a *Adapter) probe() bool {
	return a.recognizer != nil && a.recognizer.Available()
}

func (a *Adapter) post(op string, fn func()) {
	a.countCall(op)
	if !a.loop.Post(fn) {
		a.log.Debug("control call dropped after close", slog.String("op", op))
	}
}

func (a *Adapter) emit(e Event) {
	if a.eventCounter != nil {
		a.eventCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("event", e.Name())))
	}
	a.mu.RLock()
	observers := make([]Observer, 0, len(a.observers))
	for _, entry := range a.observers {
		observers = append(observers, entry.obs)
	}
	a.mu.RUnlock()

	for _, obs := range observers {
		obs.OnEvent(e)
	}
}

func (a *Adapter) onReadyForSpeech() {
	if a.session == nil {
		return
	}
	a.log.Debug("ready for speech")
	a.partial.Reset()
}

func (a *Adapter) onError(code int) {
	if a.session == nil {
		return
	}
	a.log.Warn("recognizer error", slog.Int("code", code))
	a.state.Store(int32(StateIdle))
	a.emit(recognizerErrorEvent(code))
}

func (a *Adapter) onPartialResults(tokens []string) {
	if a.session == nil {
		return
	}
	for _, token := range tokens {
		text := token + " "
		a.partial.WriteString(text)
		a.emit(partialEvent(text))
	}
}

func (a *Adapter) onResults(results []string) {
	if a.session == nil {
		return
	}
	a.log.Debug("final results", slog.Int("count", len(results)), slog.Bool("null", results == nil))
	a.state.Store(int32(StateIdle))
	a.emit(finalEvent(results))
}

func (a *Adapter) initMetrics(meter metric.Meter) {
	if meter == nil {
		meter = otel.Meter("github.com/loqalabs/loqa-speech/speech")
	}
	events, err := meter.Int64Counter("loqa.speech.events", metric.WithDescription("Events relayed to application code"))
	if err != nil {
		a.log.Warn("failed to initialize event counter", slog.String("error", err.Error()))
	}
	calls, err := meter.Int64Counter("loqa.speech.control_calls", metric.WithDescription("Control calls received"))
	if err != nil {
		a.log.Warn("failed to initialize call counter", slog.String("error", err.Error()))
	}
	a.eventCounter = events
	a.callCounter = calls
}

func (a *Adapter) countCall(op string) {
	if a.callCounter != nil {
		a.callCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("op", op)))
	}
}

// listener re-posts platform callbacks onto the adapter looper.
type listener struct {
	a *Adapter
}

func (l listener) OnReadyForSpeech() { l.a.loop.Post(l.a.onReadyForSpeech) }

func (l listener) OnBeginningOfSpeech() {
	l.a.loop.Post(func() { l.a.log.Debug("beginning of speech") })
}

func (l listener) OnEndOfSpeech() {
	l.a.loop.Post(func() { l.a.log.Debug("end of speech") })
}

func (l listener) OnError(code int) {
	l.a.loop.Post(func() { l.a.onError(code) })
}

func (l listener) OnPartialResults(results []string) {
	tokens := append([]string(nil), results...)
	l.a.loop.Post(func() { l.a.onPartialResults(tokens) })
}

func (l listener) OnResults(results []string) {
	var copied []string
	if results != nil {
		copied = append([]string{}, results...)
	}
	l.a.loop.Post(func() { l.a.onResults(copied) })
}
