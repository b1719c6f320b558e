// Package simulated provides an in-memory platform recognizer. It records what
// the adapter asks of it and lets callers drive recognizer callbacks.
package simulated

import (
	"errors"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-speech/internal/platform"
)

var ErrUnavailable = errors.New("simulated recognizer unavailable")

type Recognizer struct {
	mu        sync.Mutex
	available bool
	phrase    []string
	sessions  []*Session
}

// Option configures a simulated Recognizer.
type Option func(*Recognizer)

// WithPhrase makes every listening pass report ready, stream the phrase's
// words as partial results and deliver them as the final list on stop.
func WithPhrase(phrase string) Option {
	return func(r *Recognizer) {
		r.phrase = strings.Fields(phrase)
	}
}

func New(available bool, opts ...Option) *Recognizer {
	r := &Recognizer{available: available}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Recognizer) Available() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.available
}

// SetAvailable changes the capability probe result.
func (r *Recognizer) SetAvailable(available bool) {
	r.mu.Lock()
	r.available = available
	r.mu.Unlock()
}

func (r *Recognizer) NewSession(listener platform.Listener) (platform.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.available {
		return nil, ErrUnavailable
	}
	s := &Session{listener: listener, phrase: r.phrase}
	r.sessions = append(r.sessions, s)
	return s, nil
}

// Session returns the most recently created session, or nil.
func (r *Recognizer) Session() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sessions) == 0 {
		return nil
	}
	return r.sessions[len(r.sessions)-1]
}

// Sessions reports how many sessions were created.
func (r *Recognizer) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

type Session struct {
	listener platform.Listener
	phrase   []string

	mu        sync.Mutex
	intents   []platform.Intent
	listening bool
	stops     int
	destroyed bool
	tail      chan struct{}
	wg        sync.WaitGroup
}

func (s *Session) StartListening(intent platform.Intent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	s.intents = append(s.intents, intent)
	if s.listening {
		s.async(func(l platform.Listener) { l.OnError(platform.ErrorRecognizerBusy) })
		return
	}
	s.listening = true
	if len(s.phrase) > 0 {
		words := append([]string(nil), s.phrase...)
		s.async(func(l platform.Listener) {
			l.OnReadyForSpeech()
			l.OnBeginningOfSpeech()
			for _, w := range words {
				l.OnPartialResults([]string{w})
			}
		})
	}
}

func (s *Session) StopListening() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	s.stops++
	wasListening := s.listening
	s.listening = false
	if wasListening && len(s.phrase) > 0 {
		final := strings.Join(s.phrase, " ")
		s.async(func(l platform.Listener) {
			l.OnEndOfSpeech()
			l.OnResults([]string{final})
		})
	}
}

func (s *Session) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyed = true
	s.listening = false
}

// async delivers callbacks from a separate goroutine, as a platform
// notification thread would. Callers hold s.mu; deliveries stay ordered
// because each waits for the previous one.
func (s *Session) async(fn func(platform.Listener)) {
	wait := s.tail
	done := make(chan struct{})
	s.tail = done
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(done)
		if wait != nil {
			<-wait
		}
		fn(s.listener)
	}()
}

// Wait blocks until every asynchronous callback has been delivered.
func (s *Session) Wait() { s.wg.Wait() }

// Ready simulates the platform's ready-for-speech signal.
func (s *Session) Ready() { s.listener.OnReadyForSpeech() }

// Partial simulates a partial result bundle.
func (s *Session) Partial(tokens ...string) { s.listener.OnPartialResults(tokens) }

// Results simulates a final result bundle; nil models a missing list.
func (s *Session) Results(results []string) {
	s.mu.Lock()
	s.listening = false
	s.mu.Unlock()
	s.listener.OnResults(results)
}

// Fail simulates a recognizer error.
func (s *Session) Fail(code int) {
	s.mu.Lock()
	s.listening = false
	s.mu.Unlock()
	s.listener.OnError(code)
}

// Intents returns every request the session received, oldest first.
func (s *Session) Intents() []platform.Intent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]platform.Intent(nil), s.intents...)
}

func (s *Session) Stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

func (s *Session) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

func (s *Session) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listening
}
