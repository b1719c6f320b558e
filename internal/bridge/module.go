// Package bridge exposes the speech adapter to application code over the bus.
// Control calls arrive as requests on speech.ctrl.<op> and are acknowledged
// once forwarded; adapter events are published on speech.event.<name>.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/journal"
	"github.com/loqalabs/loqa-speech/internal/platform"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/loqalabs/loqa-speech/internal/speech"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Name is the module name application code binds to.
const Name = "LoqaSpeech"

var errUnknownOp = errors.New("unknown control operation")

// Emitter delivers a named event to application code.
type Emitter interface {
	Emit(name string, payload protocol.EventPayload) error
}

// BusEmitter publishes events on the speech.event subjects.
type BusEmitter struct {
	Bus *bus.Client
}

func (e BusEmitter) Emit(name string, payload protocol.EventPayload) error {
	return e.Bus.PublishJSON(protocol.EventSubject(name), payload)
}

type Options struct {
	NodeID      string
	Defaults    platform.Intent
	Permissions platform.Permissions
	Journal     *journal.Store
	// Observers also receive every adapter event, after it has been emitted.
	Observers []speech.Observer
	Logger    *slog.Logger
}

type Module struct {
	bus        *bus.Client
	emitter    Emitter
	recognizer platform.Recognizer
	opts       Options
	log        *slog.Logger
	tracer     trace.Tracer
	sub        *nats.Subscription

	mu      sync.RWMutex
	adapter *speech.Adapter
}

func New(busClient *bus.Client, emitter Emitter, recognizer platform.Recognizer, opts Options) *Module {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if emitter == nil && busClient != nil {
		emitter = BusEmitter{Bus: busClient}
	}
	return &Module{
		bus:        busClient,
		emitter:    emitter,
		recognizer: recognizer,
		opts:       opts,
		log:        logger.With(slog.String("component", "speech-bridge")),
		tracer:     otel.Tracer("github.com/loqalabs/loqa-speech/bridge"),
	}
}

// Start constructs the adapter and subscribes to control requests.
func (m *Module) Start(ctx context.Context) error {
	m.Initialize(ctx)
	if m.bus == nil {
		return nil
	}
	sub, err := m.bus.Conn().Subscribe(protocol.SubjectControlPrefix+".*", m.handleControl)
	if err != nil {
		return fmt.Errorf("subscribe speech control: %w", err)
	}
	m.sub = sub
	return nil
}

func (m *Module) Close() {
	if m.sub != nil {
		_ = m.sub.Drain()
	}
	m.mu.Lock()
	adapter := m.adapter
	m.adapter = nil
	m.mu.Unlock()
	if adapter != nil {
		adapter.Close()
	}
}

func (m *Module) Healthy() bool {
	return m.bus == nil || m.sub != nil
}

// Initialize replaces the adapter with a freshly constructed one. A previous
// adapter is closed, which destroys its session.
func (m *Module) Initialize(ctx context.Context) *speech.Adapter {
	id := uuid.NewString()
	if err := m.opts.Journal.OpenSession(ctx, id, m.opts.NodeID, m.opts.Defaults.Language); err != nil {
		m.log.Warn("failed to journal session", slog.String("error", err.Error()))
	}

	observers := append([]speech.Observer{speech.ObserverFunc(func(e speech.Event) {
		m.emit(id, e)
	})}, m.opts.Observers...)
	next := speech.New(m.recognizer, speech.Options{
		ID:          id,
		Defaults:    m.opts.Defaults,
		Permissions: m.opts.Permissions,
		Logger:      m.log,
		Observers:   observers,
	})

	m.mu.Lock()
	prev := m.adapter
	m.adapter = next
	m.mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	m.log.Info("speech adapter initialized", slog.String("session_id", id))
	return next
}

// Adapter returns the current adapter.
func (m *Module) Adapter() *speech.Adapter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.adapter
}

// Status summarizes the current adapter.
func (m *Module) Status() protocol.StatusSnapshot {
	snap := protocol.StatusSnapshot{Timestamp: time.Now().UTC(), State: speech.StateUninitialized.String()}
	if a := m.Adapter(); a != nil {
		snap.SessionID = a.ID()
		snap.State = a.State().String()
	}
	return snap
}

func (m *Module) emit(sessionID string, e speech.Event) {
	payload := protocol.EventPayload{Value: e.Value()}
	if m.emitter != nil {
		if err := m.emitter.Emit(e.Name(), payload); err != nil {
			m.log.Warn("failed to emit speech event", slog.String("event", e.Name()), slog.String("error", err.Error()))
		}
	}
	m.record(sessionID, "event."+e.Name(), journalDetail(e))
}

// Call performs one control operation. It returns once the call has been
// forwarded to the adapter; the value is set for is_available and
// request_permission.
func (m *Module) Call(ctx context.Context, op string, req protocol.ControlRequest) (string, error) {
	if op == protocol.OpInitialize {
		a := m.Initialize(ctx)
		m.record(a.ID(), "control."+op, "")
		return "", nil
	}
	a := m.Adapter()
	if a == nil {
		return "", nil
	}
	var value string
	switch op {
	case protocol.OpStartListening:
		a.StartListening()
	case protocol.OpStopListening:
		a.StopListening()
	case protocol.OpDestroy:
		a.Destroy()
	case protocol.OpSetLanguage:
		a.SetLanguage(req.Language)
	case protocol.OpSetTotalListeningLength:
		a.SetTotalListeningLength(req.Millis)
	case protocol.OpSetListeningPauseLength:
		a.SetListeningPauseLength(req.Millis)
	case protocol.OpIsAvailable:
		value = fmt.Sprint(m.recognizer != nil && m.recognizer.Available())
		a.CheckAvailability()
	case protocol.OpRequestPermission:
		status, err := a.RequestPermission(ctx)
		if err != nil {
			return "", err
		}
		value = string(status)
	default:
		return "", fmt.Errorf("%w: %s", errUnknownOp, op)
	}
	m.record(a.ID(), "control."+op, controlDetail(op, req))
	return value, nil
}

func (m *Module) handleControl(msg *nats.Msg) {
	op := strings.TrimPrefix(msg.Subject, protocol.SubjectControlPrefix+".")
	ctx, span := m.tracer.Start(context.Background(), "speech.control."+op,
		trace.WithAttributes(attribute.String("speech.op", op)))
	defer span.End()

	var req protocol.ControlRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			m.log.Warn("failed to decode control request", slog.String("op", op), slog.String("error", err.Error()))
			span.SetStatus(codes.Error, "decode")
			m.reply(msg, protocol.ControlReply{Error: "invalid request: " + err.Error()})
			return
		}
	}

	value, err := m.Call(ctx, op, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.reply(msg, protocol.ControlReply{Error: err.Error()})
		return
	}
	m.reply(msg, protocol.ControlReply{OK: true, Value: value})
}

func (m *Module) reply(msg *nats.Msg, reply protocol.ControlReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		m.log.Warn("failed to marshal control reply", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		m.log.Warn("failed to send control reply", slog.String("error", err.Error()))
	}
}

func (m *Module) record(sessionID, kind, detail string) {
	if m.opts.Journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.opts.Journal.Append(ctx, journal.Entry{SessionID: sessionID, Type: kind, Detail: detail}); err != nil {
		m.log.Warn("failed to journal entry", slog.String("type", kind), slog.String("error", err.Error()))
	}
}

// journalDetail keeps transcript text out of the journal.
func journalDetail(e speech.Event) string {
	switch e.Kind {
	case speech.KindPartialResult, speech.KindFinalResult:
		return fmt.Sprintf("chars=%d", len(e.Text))
	default:
		return e.Value()
	}
}

func controlDetail(op string, req protocol.ControlRequest) string {
	switch op {
	case protocol.OpSetLanguage:
		return req.Language
	case protocol.OpSetTotalListeningLength, protocol.OpSetListeningPauseLength:
		return fmt.Sprintf("%dms", req.Millis)
	default:
		return ""
	}
}
