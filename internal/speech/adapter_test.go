package speech

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-speech/internal/platform"
	"github.com/loqalabs/loqa-speech/internal/platform/simulated"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) OnEvent(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func newTestAdapter(t *testing.T, rec *simulated.Recognizer, opts Options) (*Adapter, *recorder) {
	t.Helper()
	events := &recorder{}
	opts.Observers = append(opts.Observers, events)
	a := New(rec, opts)
	t.Cleanup(a.Close)
	flush(t, a)
	return a, events
}

func flush(t *testing.T, a *Adapter) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
}

func TestConfigurationVisibleAtStart(t *testing.T) {
	rec := simulated.New(true)
	a, _ := newTestAdapter(t, rec, Options{})

	a.SetLanguage("en-US")
	a.SetLanguage("de-DE")
	a.SetTotalListeningLength(5000)
	a.SetTotalListeningLength(12000)
	a.SetListeningPauseLength(300)
	a.SetListeningPauseLength(900)
	a.StartListening()
	flush(t, a)

	intents := rec.Session().Intents()
	if len(intents) != 1 {
		t.Fatalf("expected one start, got %d", len(intents))
	}
	want := platform.Intent{Language: "de-DE", MinimumLengthMillis: 12000, CompleteSilenceMillis: 900}
	if intents[0] != want {
		t.Fatalf("expected %+v, got %+v", want, intents[0])
	}
	if a.State() != StateListening {
		t.Fatalf("expected listening, got %s", a.State())
	}
}

func TestConfigurationChangeAppliesToNextStart(t *testing.T) {
	rec := simulated.New(true)
	a, _ := newTestAdapter(t, rec, Options{Defaults: platform.Intent{MinimumLengthMillis: 60000}})

	a.StartListening()
	a.SetLanguage("fi-FI")
	a.StopListening()
	a.StartListening()
	flush(t, a)

	intents := rec.Session().Intents()
	if len(intents) != 2 {
		t.Fatalf("expected two starts, got %d", len(intents))
	}
	if intents[0].Language != DefaultLanguage || intents[0].MinimumLengthMillis != 60000 {
		t.Fatalf("unexpected first intent %+v", intents[0])
	}
	if intents[1].Language != "fi-FI" {
		t.Fatalf("expected language change on second start, got %+v", intents[1])
	}
}

func TestControlCallsAfterDestroyAreNoOps(t *testing.T) {
	rec := simulated.New(true)
	a, events := newTestAdapter(t, rec, Options{})

	a.Destroy()
	flush(t, a)
	session := rec.Session()
	if !session.Destroyed() {
		t.Fatal("expected session destroyed")
	}
	if a.State() != StateDestroyed {
		t.Fatalf("expected destroyed, got %s", a.State())
	}

	a.SetLanguage("en-US")
	a.SetTotalListeningLength(1)
	a.SetListeningPauseLength(1)
	a.StartListening()
	a.StopListening()
	a.Destroy()
	a.CheckAvailability()
	session.Ready()
	session.Partial("late")
	session.Results([]string{"late"})
	session.Fail(platform.ErrorNoMatch)
	flush(t, a)

	if got := events.snapshot(); len(got) != 0 {
		t.Fatalf("expected no events after destroy, got %v", got)
	}
	if len(session.Intents()) != 0 || session.Stops() != 0 {
		t.Fatalf("expected no forwarded calls after destroy")
	}
	if a.State() != StateDestroyed {
		t.Fatalf("destroyed state must be terminal, got %s", a.State())
	}
}

func TestPartialResultsEmittedPerToken(t *testing.T) {
	rec := simulated.New(true)
	a, events := newTestAdapter(t, rec, Options{})

	a.StartListening()
	flush(t, a)
	session := rec.Session()
	session.Ready()
	session.Partial("hello", "world")
	flush(t, a)

	got := events.snapshot()
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %v", got)
	}
	for i, want := range []string{"hello ", "world "} {
		if got[i].Name() != EventSpeechPartialResults || got[i].Value() != want {
			t.Fatalf("event %d: expected partial %q, got %s", i, want, got[i])
		}
	}
	text, err := a.PartialTranscript(context.Background())
	if err != nil {
		t.Fatalf("partial transcript: %v", err)
	}
	if text != "hello world " {
		t.Fatalf("unexpected transcript %q", text)
	}
}

func TestReadyResetsPartialTranscript(t *testing.T) {
	rec := simulated.New(true)
	a, _ := newTestAdapter(t, rec, Options{})

	a.StartListening()
	flush(t, a)
	session := rec.Session()
	session.Ready()
	session.Partial("first")
	session.Ready()
	session.Partial("second")
	flush(t, a)

	text, err := a.PartialTranscript(context.Background())
	if err != nil {
		t.Fatalf("partial transcript: %v", err)
	}
	if text != "second " {
		t.Fatalf("expected transcript reset on ready, got %q", text)
	}
}

func TestNoMatchErrorEvent(t *testing.T) {
	rec := simulated.New(true)
	a, events := newTestAdapter(t, rec, Options{})

	a.StartListening()
	flush(t, a)
	rec.Session().Fail(platform.ErrorNoMatch)
	flush(t, a)

	got := events.snapshot()
	if len(got) != 1 {
		t.Fatalf("expected one event, got %v", got)
	}
	if got[0].Name() != EventSpeechError || got[0].Value() != "ERROR_NO_MATCH Error code: 7" {
		t.Fatalf("unexpected event %s", got[0])
	}
	if got[0].Code != CodeNoMatch || got[0].RawCode != platform.ErrorNoMatch {
		t.Fatalf("unexpected error classification %+v", got[0])
	}
	if a.State() != StateIdle {
		t.Fatalf("expected idle after error, got %s", a.State())
	}
}

func TestErrorCodeNames(t *testing.T) {
	cases := map[int]string{
		platform.ErrorAudio:                   "ERROR_AUDIO Error code: 3",
		platform.ErrorClient:                  "ERROR_CLIENT Error code: 5",
		platform.ErrorInsufficientPermissions: "ERROR_INSUFFICIENT_PERMISSIONS Error code: 9",
		platform.ErrorNetwork:                 "ERROR_NETWORK Error code: 2",
		platform.ErrorNetworkTimeout:          "ERROR_NETWORK_TIMEOUT Error code: 1",
		platform.ErrorRecognizerBusy:          "ERROR_RECOGNIZER_BUSY Error code: 8",
		platform.ErrorServer:                  "ERROR_SERVER Error code: 4",
		platform.ErrorSpeechTimeout:           "ERROR_SPEECH_TIMEOUT Error code: 6",
		42:                                    "ERROR_UNKNOWN Error code: 42",
	}
	for raw, want := range cases {
		if got := recognizerErrorEvent(raw).Value(); got != want {
			t.Fatalf("code %d: expected %q, got %q", raw, want, got)
		}
	}
}

func TestUnavailableRecognizer(t *testing.T) {
	rec := simulated.New(false)
	a, events := newTestAdapter(t, rec, Options{})

	a.SetLanguage("en-US")
	a.StartListening()
	a.StopListening()
	a.Destroy()
	flush(t, a)

	got := events.snapshot()
	if len(got) != 1 {
		t.Fatalf("expected exactly one event, got %v", got)
	}
	if got[0].Name() != EventSpeechError || !strings.Contains(got[0].Value(), "Speech recognition service NOT available") {
		t.Fatalf("unexpected event %s", got[0])
	}
	if got[0].Code != CodeUnavailable {
		t.Fatalf("expected unavailable code, got %q", got[0].Code)
	}
	if rec.Sessions() != 0 {
		t.Fatalf("expected no session created")
	}
	if a.State() != StateUninitialized {
		t.Fatalf("expected uninitialized, got %s", a.State())
	}
}

func TestNilRecognizerIsUnavailable(t *testing.T) {
	events := &recorder{}
	a := New(nil, Options{Observers: []Observer{events}})
	t.Cleanup(a.Close)
	a.StartListening()
	flush(t, a)
	if got := events.snapshot(); len(got) != 1 || got[0].Code != CodeUnavailable {
		t.Fatalf("expected unavailable event, got %v", got)
	}
}

func TestStartTwiceIsForwarded(t *testing.T) {
	rec := simulated.New(true)
	a, events := newTestAdapter(t, rec, Options{})

	a.StartListening()
	a.StartListening()
	flush(t, a)
	session := rec.Session()
	session.Wait()
	flush(t, a)

	if n := len(session.Intents()); n != 2 {
		t.Fatalf("expected both starts forwarded, got %d", n)
	}
	got := events.snapshot()
	if len(got) != 1 || got[0].Code != CodeRecognizerBusy {
		t.Fatalf("expected one busy error, got %v", got)
	}
}

func TestFinalResults(t *testing.T) {
	rec := simulated.New(true)
	a, events := newTestAdapter(t, rec, Options{})

	a.StartListening()
	flush(t, a)
	session := rec.Session()
	session.Results([]string{"hello world", "hello word"})
	session.Results(nil)
	flush(t, a)

	got := events.snapshot()
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %v", got)
	}
	if got[0].Name() != EventSpeechResults || got[0].Value() != "[hello world, hello word]" {
		t.Fatalf("unexpected final event %s", got[0])
	}
	if got[1].Value() != "null" {
		t.Fatalf("expected null list rendering, got %q", got[1].Value())
	}
	if a.State() != StateIdle {
		t.Fatalf("expected idle after results, got %s", a.State())
	}
}

func TestStopReturnsToIdle(t *testing.T) {
	rec := simulated.New(true)
	a, _ := newTestAdapter(t, rec, Options{})

	a.StartListening()
	a.StopListening()
	flush(t, a)
	if a.State() != StateIdle {
		t.Fatalf("expected idle, got %s", a.State())
	}
	if rec.Session().Stops() != 1 {
		t.Fatalf("expected one stop forwarded")
	}
}

func TestScriptedPhrase(t *testing.T) {
	rec := simulated.New(true, simulated.WithPhrase("hej hopp"))
	a, events := newTestAdapter(t, rec, Options{})

	a.StartListening()
	flush(t, a)
	rec.Session().Wait()
	a.StopListening()
	flush(t, a)
	rec.Session().Wait()
	flush(t, a)

	var values []string
	for _, e := range events.snapshot() {
		values = append(values, e.Value())
	}
	want := []string{"hej ", "hopp ", "[hej hopp]"}
	if strings.Join(values, "|") != strings.Join(want, "|") {
		t.Fatalf("expected %v, got %v", want, values)
	}
}

func TestCheckAvailability(t *testing.T) {
	rec := simulated.New(true)
	a, events := newTestAdapter(t, rec, Options{})

	a.CheckAvailability()
	rec.SetAvailable(false)
	a.CheckAvailability()
	flush(t, a)

	got := events.snapshot()
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %v", got)
	}
	if got[0].Name() != EventSpeechAvailable || got[0].Value() != "true" || got[1].Value() != "false" {
		t.Fatalf("unexpected availability events %v", got)
	}
}

func TestRequestPermission(t *testing.T) {
	rec := simulated.New(true)
	a, _ := newTestAdapter(t, rec, Options{Permissions: platform.StaticPermissions(platform.PermissionDenied)})

	status, err := a.RequestPermission(context.Background())
	if err != nil {
		t.Fatalf("request permission: %v", err)
	}
	if status != platform.PermissionDenied {
		t.Fatalf("expected denied, got %q", status)
	}

	b, _ := newTestAdapter(t, rec, Options{})
	if _, err := b.RequestPermission(context.Background()); err != ErrNoPermissions {
		t.Fatalf("expected ErrNoPermissions, got %v", err)
	}
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	rec := simulated.New(true)
	a, _ := newTestAdapter(t, rec, Options{})

	late := &recorder{}
	unsubscribe := a.Subscribe(late)
	a.CheckAvailability()
	flush(t, a)
	unsubscribe()
	a.CheckAvailability()
	flush(t, a)

	if got := late.snapshot(); len(got) != 1 {
		t.Fatalf("expected one event before unsubscribe, got %v", got)
	}
}

func TestCloseDestroysSession(t *testing.T) {
	rec := simulated.New(true)
	a := New(rec, Options{})
	if err := a.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	a.Close()
	a.Close()
	if !rec.Session().Destroyed() {
		t.Fatal("expected close to destroy the session")
	}
	a.StartListening()
	if len(rec.Session().Intents()) != 0 {
		t.Fatal("expected start after close to be dropped")
	}
}
