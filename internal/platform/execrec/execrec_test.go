package execrec

import (
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-speech/internal/platform"
)

type callLog struct {
	mu    sync.Mutex
	calls []string
	ch    chan string
}

func newCallLog() *callLog { return &callLog{ch: make(chan string, 32)} }

func (c *callLog) add(s string) {
	c.mu.Lock()
	c.calls = append(c.calls, s)
	c.mu.Unlock()
	c.ch <- s
}

func (c *callLog) OnReadyForSpeech() { c.add("ready") }
func (c *callLog) OnBeginningOfSpeech() { c.add("begin") }
func (c *callLog) OnEndOfSpeech() { c.add("end") }
func (c *callLog) OnError(code int) { c.add(fmt.Sprintf("error:%d", code)) }
func (c *callLog) OnPartialResults(res []string) { c.add("partial:" + strings.Join(res, ",")) }
func (c *callLog) OnResults(res []string) { c.add(fmt.Sprintf("results:%v", res)) }

func (c *callLog) expect(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-c.ch:
		if got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func TestArgs(t *testing.T) {
	got := Args(platform.Intent{Language: "sv-SE", MinimumLengthMillis: 60000})
	want := []string{"--language", "sv-SE", "--min-length-ms", "60000"}
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Fatalf("expected %v, got %v", want, got)
	}
	got = Args(platform.Intent{Language: "en-US", CompleteSilenceMillis: 800})
	if strings.Join(got, " ") != "--language en-US --silence-ms 800" {
		t.Fatalf("unexpected args %v", got)
	}
}

func TestNewRejectsEmptyCommand(t *testing.T) {
	if _, err := New("   ", nil); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestAvailableReflectsPath(t *testing.T) {
	r, err := New("/nonexistent/loqa-speech-helper", nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if r.Available() {
		t.Fatal("expected missing helper to be unavailable")
	}
}

func TestStartFailureReportsClientError(t *testing.T) {
	r, err := New("/nonexistent/loqa-speech-helper", nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	calls := newCallLog()
	s, err := r.NewSession(calls)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	s.StartListening(platform.Intent{Language: "sv-SE"})
	calls.expect(t, fmt.Sprintf("error:%d", platform.ErrorClient))
	s.Destroy()
}

func TestHelperLifecycle(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	script := `sh -c 'echo "{\"type\":\"ready\"}"; echo "{\"type\":\"partial\",\"results\":[\"hej\",\"du\"]}"; cat >/dev/null; echo "{\"type\":\"results\",\"results\":[\"hej du\"]}"'`
	r, err := New(script, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if !r.Available() {
		t.Fatal("expected sh to be available")
	}
	calls := newCallLog()
	s, err := r.NewSession(calls)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	t.Cleanup(s.Destroy)

	s.StartListening(platform.Intent{Language: "sv-SE"})
	calls.expect(t, "ready")
	calls.expect(t, "partial:hej,du")

	s.StartListening(platform.Intent{Language: "sv-SE"})
	calls.expect(t, fmt.Sprintf("error:%d", platform.ErrorRecognizerBusy))

	s.StopListening()
	calls.expect(t, "results:[hej du]")
}

func TestDestroyStopsHelper(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	r, err := New(`sh -c 'echo "{\"type\":\"ready\"}"; exec sleep 30'`, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	calls := newCallLog()
	s, err := r.NewSession(calls)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	s.StartListening(platform.Intent{})
	calls.expect(t, "ready")

	done := make(chan struct{})
	go func() {
		s.Destroy()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("destroy did not stop the helper")
	}
	s.StartListening(platform.Intent{})
	select {
	case got := <-calls.ch:
		t.Fatalf("expected no callbacks after destroy, got %q", got)
	case <-time.After(100 * time.Millisecond):
	}
}
