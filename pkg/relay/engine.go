package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/harunnryd/holorelay/pkg/aggregators"
	"github.com/harunnryd/holorelay/pkg/audio"
	"github.com/harunnryd/holorelay/pkg/configutil"
	"github.com/harunnryd/holorelay/pkg/errorsx"
	"github.com/harunnryd/holorelay/pkg/events"
	"github.com/harunnryd/holorelay/pkg/logging"
	"github.com/harunnryd/holorelay/pkg/metrics"
	"github.com/harunnryd/holorelay/pkg/observers"
	"github.com/harunnryd/holorelay/pkg/pipeline"
	"github.com/harunnryd/holorelay/pkg/processors"
	"github.com/harunnryd/holorelay/pkg/redact"
	"github.com/harunnryd/holorelay/pkg/runner"
	"github.com/harunnryd/holorelay/pkg/transports"
	"github.com/harunnryd/holorelay/pkg/transports/socket"
	"github.com/harunnryd/holorelay/pkg/transports/upstream"
	"github.com/harunnryd/holorelay/pkg/turn"
)

// Engine owns the client transport, the upstream text stream and the request
// pipeline between them.
type Engine struct {
	cfg         Config
	providers   *ProviderRegistry
	transport   transports.ClientTransport
	upstream    transports.Transport
	orch        *pipeline.Orchestrator
	accumulator *aggregators.SentenceAccumulator
	runner      *pipeline.Runner
	asyncObs    *metrics.AsyncObserver
	observers   *observers.MultiObserver
	usage       *observers.UsageObserver
	logger      *slog.Logger
	cancel      context.CancelFunc
}

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	// Transport serves clients; defaults to the websocket server.
	Transport transports.ClientTransport
	// Upstream yields text fragments; defaults to the upstream client when
	// upstream.enabled is set.
	Upstream transports.Transport
	// Control carries thinking signals; defaults to Upstream when it can.
	Control   transports.ControlSender
	Converter pipeline.Converter
	// Observer receives every metrics event next to the built-in observers.
	Observer metrics.Observer
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	redact.SetEnabled(cfg.Privacy.RedactPII)
	logger := logging.NewComponentLogger(slog.Default(), "engine")

	logger.Info("holorelay_init",
		"environment", cfg.Environment,
		"vad_provider", cfg.Vendors.VAD.Provider,
		"stt_provider", cfg.Vendors.STT.Provider,
		"assistant_provider", cfg.Vendors.Assistant.Provider,
		"tts_provider", cfg.Vendors.TTS.Provider,
		"upstream_enabled", cfg.Upstream.Enabled,
	)
	pipeline.LogConfiguration(cfg.PipelineSettings())

	providers := opts.Providers
	if providers == nil {
		providers = DefaultProviders()
	}

	transport := opts.Transport
	if transport == nil {
		transport = socket.New(cfg.Server)
	}
	up := opts.Upstream
	if up == nil && cfg.Upstream.Enabled {
		up = upstream.New(cfg.UpstreamSettings())
	}
	control := opts.Control
	if control == nil {
		if cs, ok := up.(transports.ControlSender); ok {
			control = cs
		}
	}

	gate, err := providers.BuildVAD(cfg.Vendors.VAD.Provider, cfg)
	if err != nil {
		return nil, err
	}
	sttVendor, err := providers.BuildSTT(cfg.Vendors.STT.Provider, cfg)
	if err != nil {
		return nil, err
	}
	assistantVendor, err := providers.BuildAssistant(cfg.Vendors.Assistant.Provider, cfg)
	if err != nil {
		return nil, err
	}
	ttsVendor, err := providers.BuildTTS(cfg.Vendors.TTS.Provider, cfg)
	if err != nil {
		return nil, err
	}

	multiObs, usageObs, err := buildObservers(cfg, opts.Observer)
	if err != nil {
		return nil, err
	}
	asyncObs := metrics.NewAsyncObserver(multiObs, cfg.Observability.ObserverQueue)

	converter := opts.Converter
	if converter == nil {
		converter = audio.NewConverter(cfg.Audio, logging.NewComponentLogger(slog.Default(), "converter"))
	}

	transcriber := processors.NewTranscriber(sttVendor, processors.TranscriberConfig{
		MaxAttempts:     cfg.STT.MaxAttempts,
		RetryDelay:      time.Duration(cfg.STT.RetryDelayMS) * time.Millisecond,
		DefaultLanguage: cfg.DefaultLanguage(),
	})
	if len(cfg.STT.Replacements) > 0 {
		transcriber.SetNormalizer(processors.NewTextNormalizer(cfg.STT.Replacements))
	}
	transcriber.SetObserver(asyncObs)

	speaker := processors.NewSpeaker(ttsVendor, transport, processors.SpeakerConfig{
		Language:         cfg.TTS.Language,
		Timeout:          configutil.Millis(cfg.TTS.TimeoutMS, 15*time.Second),
		BreakerThreshold: cfg.TTS.BreakerThreshold,
		BreakerCooldown:  configutil.Millis(cfg.TTS.BreakerCooldownMS, 30*time.Second),
	})
	speaker.SetObserver(asyncObs)

	builder := pipeline.NewRelayBuilder().
		WithConverter(converter).
		WithGate(gate).
		WithTranscriber(transcriber).
		WithAssistant(assistantVendor).
		WithSpeaker(speaker).
		WithPublisher(transport).
		WithObserver(asyncObs).
		WithListener(turn.NewMetricsListener(asyncObs)).
		WithListener(turn.NewLogListener(logging.NewComponentLogger(slog.Default(), "turn")))
	if control != nil {
		builder = builder.WithController(control)
	}
	orch, err := builder.Build(cfg.PipelineSettings())
	if err != nil {
		return nil, err
	}

	accumulator := aggregators.NewSentenceAccumulator(speaker, transport, aggregators.AccumulatorConfig{
		Language:  upstreamLanguage(cfg, orch),
		QueueSize: cfg.Upstream.QueueSize,
	})
	accumulator.SetObserver(asyncObs)

	e := &Engine{
		cfg:         cfg,
		providers:   providers,
		transport:   transport,
		upstream:    up,
		orch:        orch,
		accumulator: accumulator,
		asyncObs:    asyncObs,
		observers:   multiObs,
		usage:       usageObs,
		logger:      logger,
	}

	hooks := runner.Hooks{
		OnStart: func() {
			fields := []any{"message", "Holorelay Engine Ready"}
			for _, t := range []any{transport, up} {
				if rr, ok := t.(transports.ReadyReporter); ok {
					for k, v := range rr.ReadyFields() {
						fields = append(fields, k, v)
					}
				}
			}
			logger.Info("engine_ready", fields...)
		},
		OnStop: func() {
			asyncObs.Close()
			if err := multiObs.Close(); err != nil {
				logger.Warn("observer_close_failed", "error", err)
			}
			logger.Info("shutdown",
				"goroutines", runtime.NumGoroutine(),
				"active_requests", orch.Registry().Count(),
				"dropped_metrics", asyncObs.Dropped())
		},
	}

	drainTimeout := configutil.Millis(cfg.Pipeline.DrainTimeoutMS, 20*time.Second)
	drainer := pipeline.DrainerFunc(func() error { return e.drain(drainTimeout) })
	e.runner = pipeline.NewDrainRunner(drainer, hooks, drainTimeout+10*time.Second)

	return e, nil
}

func buildObservers(cfg Config, extra metrics.Observer) (*observers.MultiObserver, *observers.UsageObserver, error) {
	obsList := []metrics.Observer{
		observers.NewLatencyObserver(logging.NewComponentLogger(slog.Default(), "latency")),
		observers.NewLoggerObserver(slog.Default()),
	}
	var usageObs *observers.UsageObserver
	if dir := strings.TrimSpace(cfg.Observability.ArtifactsDir); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("observability.artifacts_dir: %w", err)
		}
		if cfg.Observability.RetentionDays > 0 {
			_, _ = observers.PurgeArtifacts(dir, time.Duration(cfg.Observability.RetentionDays)*24*time.Hour)
		}
		usageObs = observers.NewUsageObserver(dir)
		obsList = append(obsList, observers.NewTimelineObserver(dir), usageObs)
		if cfg.Observability.MetricsJSONL {
			f, err := os.OpenFile(filepath.Join(dir, "metrics.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				return nil, nil, fmt.Errorf("open metrics.jsonl: %w", err)
			}
			jsonl := metrics.NewJSONLObserver(f)
			obsList = append(obsList, closingObserver{
				Observer: metrics.NewSamplingObserver(jsonl, cfg.Observability.SampleRate),
				close:    jsonl.Close,
			})
		}
	}
	if extra != nil {
		obsList = append(obsList, extra)
	}
	return observers.NewMultiObserver(obsList...), usageObs, nil
}

// closingObserver keeps the sink's Close reachable behind a wrapper.
type closingObserver struct {
	metrics.Observer
	close func() error
}

func (c closingObserver) Close() error { return c.close() }

func upstreamLanguage(cfg Config, orch *pipeline.Orchestrator) func() string {
	fixed := strings.TrimSpace(cfg.Upstream.Language)
	return func() string {
		if fixed != "" {
			return fixed
		}
		if lang := orch.LastLanguage(); lang != "" {
			return lang
		}
		return cfg.DefaultLanguage()
	}
}

func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, e.cancel = context.WithCancel(ctx)
	if err := e.transport.Start(ctx); err != nil {
		e.cancel()
		return err
	}
	go e.routeClients(ctx)
	if e.upstream != nil {
		if err := e.upstream.Start(ctx); err != nil {
			e.cancel()
			_ = e.transport.Stop()
			return err
		}
		go e.routeUpstream(ctx)
	}
	go func() {
		if err := e.runner.Run(ctx); err != nil {
			e.logger.Warn("runner_stopped", "error", err)
		}
	}()
	return nil
}

func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	return e.runner.Stop()
}

// drain refuses new clients, lets in-flight requests finish and then closes
// the transports and the sentence workers.
func (e *Engine) drain(timeout time.Duration) error {
	if d, ok := e.transport.(interface{ SetDraining(bool) }); ok {
		d.SetDraining(true)
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := e.orch.Drain(ctx)
	if err != nil {
		e.logger.Warn("drain_incomplete", "error", err, "active_requests", e.orch.Registry().Count())
	}
	if e.upstream != nil {
		err = errors.Join(err, e.upstream.Stop())
	}
	e.accumulator.Close()
	return errors.Join(err, e.transport.Stop())
}

func (e *Engine) routeClients(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-e.transport.Recv():
			if !ok {
				return
			}
			// Decode failures are logged where they are answered.
			if err := e.orch.HandleInbound(ctx, in); err != nil && !errorsx.HasReason(err, errorsx.ReasonTransportDecode) {
				e.logger.Warn("inbound_rejected", "session_id", in.SessionID, "event", in.Event, "error", err)
			}
		}
	}
}

func (e *Engine) routeUpstream(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-e.upstream.Recv():
			if !ok {
				return
			}
			if in.Event != events.Message {
				continue
			}
			e.accumulator.OnTextFragment(ctx, in.SessionID, upstream.Fragment(in))
		}
	}
}

func (e *Engine) ProviderRegistry() *ProviderRegistry { return e.providers }

func (e *Engine) Transport() transports.ClientTransport { return e.transport }

func (e *Engine) Orchestrator() *pipeline.Orchestrator { return e.orch }

func (e *Engine) Accumulator() *aggregators.SentenceAccumulator { return e.accumulator }

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) State() runner.State { return e.runner.State() }

// Usage returns the usage summary of a session when artifacts are enabled.
func (e *Engine) Usage(sessionID string) (observers.UsageSummary, bool) {
	if e.usage == nil {
		return observers.UsageSummary{}, false
	}
	return e.usage.Summary(sessionID)
}

func (e *Engine) Health() error {
	if e.transport == nil {
		return errors.New("missing transport")
	}
	if e.orch.Registry().Draining() {
		return errors.New("draining")
	}
	return nil
}
