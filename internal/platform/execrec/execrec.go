// Package execrec drives an external recognizer helper process. The helper is
// started once per listening pass and reports callbacks as JSON lines on stdout:
//
//	{"type":"ready"}
//	{"type":"partial","results":["hello"]}
//	{"type":"results","results":["hello world"]}
//	{"type":"error","code":7}
//
// Closing the helper's stdin asks it to stop listening and deliver results.
package execrec

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"

	"github.com/loqalabs/loqa-speech/internal/platform"
	"github.com/mattn/go-shellwords"
)

type Recognizer struct {
	cmd []string
	log *slog.Logger
}

func New(command string, log *slog.Logger) (*Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse speech command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("speech command is empty")
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Recognizer{cmd: args, log: log.With(slog.String("component", "exec-recognizer"))}, nil
}

// Available reports whether the helper binary can be found.
func (r *Recognizer) Available() bool {
	_, err := exec.LookPath(r.cmd[0])
	return err == nil
}

func (r *Recognizer) NewSession(listener platform.Listener) (platform.Session, error) {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		cmd:      r.cmd,
		log:      r.log,
		listener: listener,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

type session struct {
	cmd      []string
	log      *slog.Logger
	listener platform.Listener
	ctx      context.Context
	cancel   context.CancelFunc

	mu        sync.Mutex
	proc      *exec.Cmd
	stdin     io.WriteCloser
	destroyed bool
	wg        sync.WaitGroup
}

type line struct {
	Type    string   `json:"type"`
	Results []string `json:"results"`
	Code    int      `json:"code"`
}

func (s *session) StartListening(intent platform.Intent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	if s.proc != nil {
		s.report(func(l platform.Listener) { l.OnError(platform.ErrorRecognizerBusy) })
		return
	}

	args := append([]string{}, s.cmd[1:]...)
	args = append(args, Args(intent)...)
	proc := exec.CommandContext(s.ctx, s.cmd[0], args...)
	stdin, err := proc.StdinPipe()
	if err != nil {
		s.fail(err)
		return
	}
	stdout, err := proc.StdoutPipe()
	if err != nil {
		s.fail(err)
		return
	}
	if err := proc.Start(); err != nil {
		s.fail(err)
		return
	}
	s.proc = proc
	s.stdin = stdin

	s.wg.Add(1)
	go s.read(proc, stdout)
}

func (s *session) StopListening() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdin != nil {
		_ = s.stdin.Close()
		s.stdin = nil
	}
}

func (s *session) Destroy() {
	s.mu.Lock()
	s.destroyed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

func (s *session) read(proc *exec.Cmd, stdout io.Reader) {
	defer s.wg.Done()
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		if err := s.dispatch(raw); err != nil {
			s.log.Warn("invalid helper output", slog.String("error", err.Error()))
		}
	}
	if err := scanner.Err(); err != nil {
		s.log.Warn("helper output read failed", slog.String("error", err.Error()))
	}
	if err := proc.Wait(); err != nil && s.ctx.Err() == nil {
		s.log.Warn("speech helper exited", slog.String("error", err.Error()))
	}

	s.mu.Lock()
	if s.proc == proc {
		s.proc = nil
		s.stdin = nil
	}
	s.mu.Unlock()
}

func (s *session) dispatch(raw []byte) error {
	if s.ctx.Err() != nil {
		return nil
	}
	var msg line
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("decode helper line: %w", err)
	}
	switch msg.Type {
	case "ready":
		s.listener.OnReadyForSpeech()
	case "begin":
		s.listener.OnBeginningOfSpeech()
	case "end":
		s.listener.OnEndOfSpeech()
	case "partial":
		s.listener.OnPartialResults(msg.Results)
	case "results":
		s.listener.OnResults(msg.Results)
	case "error":
		s.listener.OnError(msg.Code)
	default:
		return fmt.Errorf("unknown helper event %q", msg.Type)
	}
	return nil
}

func (s *session) fail(err error) {
	s.log.Error("failed to start speech helper", slog.String("error", err.Error()))
	s.report(func(l platform.Listener) { l.OnError(platform.ErrorClient) })
}

// report delivers a callback off the caller's goroutine, as the platform would.
func (s *session) report(fn func(platform.Listener)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.listener)
	}()
}

// Args renders the helper flags for a recognition request. Unset lengths are omitted.
func Args(intent platform.Intent) []string {
	var args []string
	if intent.Language != "" {
		args = append(args, "--language", intent.Language)
	}
	if intent.MinimumLengthMillis > 0 {
		args = append(args, "--min-length-ms", strconv.Itoa(intent.MinimumLengthMillis))
	}
	if intent.CompleteSilenceMillis > 0 {
		args = append(args, "--silence-ms", strconv.Itoa(intent.CompleteSilenceMillis))
	}
	return args
}
