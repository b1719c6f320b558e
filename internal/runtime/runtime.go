package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-speech/internal/bridge"
	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/capability"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/journal"
	"github.com/loqalabs/loqa-speech/internal/natsserver"
	"github.com/loqalabs/loqa-speech/internal/platform"
	"github.com/loqalabs/loqa-speech/internal/platform/execrec"
	"github.com/loqalabs/loqa-speech/internal/platform/simulated"
	"github.com/loqalabs/loqa-speech/internal/speech"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	metrics     http.Handler
	ready       atomic.Bool
	wg          sync.WaitGroup

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	journal  *journal.Store
	registry *capability.Registry
	module   *bridge.Module
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metrics = metricsHandler

	if err := r.startComponents(ctx); err != nil {
		r.shutdown()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/status", r.handleStatus)
	if r.metrics != nil {
		mux.Handle("/metrics", r.metrics)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("speech_mode", r.cfg.Speech.Mode))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	return r.shutdown()
}

func (r *Runtime) startComponents(ctx context.Context) error {
	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	r.nats = embedded
	busCfg := r.cfg.Bus
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	busClient, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.bus = busClient

	store, err := journal.Open(ctx, r.cfg.Journal, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	r.journal = store

	recognizer, err := newRecognizer(r.cfg.Speech, r.logger)
	if err != nil {
		return err
	}

	registry, err := capability.NewRegistry(ctx, r.cfg.Node, busClient, r.cfg.Speech.Language, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start capability registry: %w", err)
	}
	r.registry = registry

	r.module = bridge.New(busClient, nil, recognizer, bridge.Options{
		NodeID: r.cfg.Node.ID,
		Defaults: platform.Intent{
			Language:              r.cfg.Speech.Language,
			MinimumLengthMillis:   r.cfg.Speech.TotalListeningMS,
			CompleteSilenceMillis: r.cfg.Speech.ListeningPauseMS,
		},
		Permissions: platform.StaticPermissions(r.cfg.Speech.Permission),
		Journal:     store,
		Observers:   []speech.Observer{availabilityObserver(registry)},
		Logger:      r.logger,
	})
	if err := r.module.Start(ctx); err != nil {
		return fmt.Errorf("failed to start speech bridge: %w", err)
	}
	registry.SetSpeechAvailable(recognizer.Available())
	return nil
}

// shutdown releases components in reverse start order. Unstarted ones are skipped.
func (r *Runtime) shutdown() error {
	var errs []error
	if r.module != nil {
		r.module.Close()
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal: %w", err))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.nats != nil {
		r.nats.Shutdown()
	}
	if r.tracerClose != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
	return errors.Join(errs...)
}

func newRecognizer(cfg config.SpeechConfig, logger *slog.Logger) (platform.Recognizer, error) {
	switch cfg.Mode {
	case "exec":
		rec, err := execrec.New(cfg.Command, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create exec recognizer: %w", err)
		}
		return rec, nil
	case "mock", "":
		var opts []simulated.Option
		if cfg.MockPhrase != "" {
			opts = append(opts, simulated.WithPhrase(cfg.MockPhrase))
		}
		return simulated.New(cfg.MockAvailable, opts...), nil
	default:
		return nil, fmt.Errorf("unsupported speech mode %q", cfg.Mode)
	}
}

// availabilityObserver keeps the advertised capability in line with what the
// adapter reports to application code.
func availabilityObserver(registry *capability.Registry) speech.Observer {
	return speech.ObserverFunc(func(e speech.Event) {
		switch {
		case e.Kind == speech.KindAvailability:
			registry.SetSpeechAvailable(e.Available)
		case e.Kind == speech.KindError && e.Code == speech.CodeUnavailable:
			registry.SetSpeechAvailable(false)
		}
	})
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && r.module != nil && r.module.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type statusResponse struct {
	Node      string `json:"node"`
	Mode      string `json:"mode"`
	BusOK     bool   `json:"bus_ok"`
	SessionID string `json:"session_id"`
	State     string `json:"state"`
	Timestamp string `json:"timestamp"`
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Node:  r.cfg.Node.ID,
		Mode:  r.cfg.Speech.Mode,
		BusOK: r.bus.Healthy(),
		State: speech.StateUninitialized.String(),
	}
	if r.module != nil {
		snap := r.module.Status()
		resp.SessionID = snap.SessionID
		resp.State = snap.State
		resp.Timestamp = snap.Timestamp.Format(time.RFC3339)
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		r.logger.Warn("failed to encode status", slog.String("error", err.Error()))
	}
}
