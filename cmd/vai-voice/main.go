package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/vango-go/vai-voice/pkg/audio"
	"github.com/vango-go/vai-voice/pkg/config"
	"github.com/vango-go/vai-voice/pkg/connection"
	"github.com/vango-go/vai-voice/pkg/core/live"
	"github.com/vango-go/vai-voice/pkg/core/live/turnmodel"
	"github.com/vango-go/vai-voice/pkg/core/voice/stt"
	"github.com/vango-go/vai-voice/pkg/core/voice/tts"
	"github.com/vango-go/vai-voice/pkg/errorreport"
	"github.com/vango-go/vai-voice/pkg/metrics"
)

const forceExitWait = 3 * time.Second

// microphone is the capture the CLI starts; the lifecycle only quiesces it.
type microphone interface {
	connection.AudioCapture
	Start(sink func([]byte) error) error
}

type audioIO struct {
	mic     microphone
	devices connection.DeviceEnumerator
	speaker tts.Sink // nil when TTS is disabled
	close   func() error
}

type voiceDeps struct {
	loadEnv      func() error
	loadConfig   func() (config.Config, error)
	openAudio    func(config.Config, *slog.Logger) (*audioIO, error)
	dialer       stt.Dialer
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultVoiceDeps() voiceDeps {
	return voiceDeps{
		loadEnv:    loadDotenv,
		loadConfig: config.LoadFromEnv,
		openAudio:  openDeviceAudio,
		dialer:     &stt.WebSocketDialer{WriteTimeout: 5 * time.Second},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

// loadDotenv loads .env when present without overriding the environment.
func loadDotenv() error {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// newLogger writes text to a terminal and JSON otherwise.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func openDeviceAudio(cfg config.Config, logger *slog.Logger) (*audioIO, error) {
	devices, err := audio.NewDevices(logger)
	if err != nil {
		return nil, err
	}
	mic := audio.NewCapture(devices, audio.CaptureConfig{
		SampleRate: cfg.Session.SampleRate,
		Device:     cfg.InputDevice,
	}, logger)

	aio := &audioIO{mic: mic, devices: devices, close: devices.Close}
	if cfg.Session.DisableTTS {
		return aio, nil
	}
	speaker, err := audio.NewSpeaker(cfg.Session.TTS.SampleRateOrDefault(), 100)
	if err != nil {
		_ = devices.Close()
		return nil, err
	}
	aio.speaker = speaker
	aio.close = func() error {
		return errors.Join(speaker.Close(), devices.Close())
	}
	return aio, nil
}

func buildMetricsServer(addr string, handler http.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// buildReporter always logs reports and, with a database configured, also
// persists them asynchronously.
func buildReporter(ctx context.Context, cfg config.Config, logger *slog.Logger) (errorreport.Reporter, func(), error) {
	logReporter := errorreport.LogReporter{Logger: logger}
	if cfg.DatabaseURL == "" {
		return logReporter, func() {}, nil
	}
	if cfg.MigrateOnRun {
		if err := errorreport.Migrate(ctx, cfg.DatabaseURL); err != nil {
			return nil, nil, err
		}
	}
	sink, err := errorreport.NewPostgresSink(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	async := errorreport.NewAsyncReporter(sink, errorreport.DefaultAsyncConfig(), logger)
	closeFn := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := async.Close(closeCtx); err != nil {
			logger.Warn("error reports not flushed", "error", err, "dropped", async.Dropped())
		}
		sink.Close()
	}
	return errorreport.Fanout{logReporter, async}, closeFn, nil
}

func buildHistoryStore(cfg config.Config) (connection.HistoryStore, func(), error) {
	if cfg.RedisURL == "" {
		return nil, func() {}, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse VAI_VOICE_REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	return connection.NewRedisHistory(client, cfg.RedisPrefix, cfg.RedisTTL), func() { _ = client.Close() }, nil
}

func buildTurnModel(ctx context.Context, cfg config.Config) (live.TurnModel, error) {
	if cfg.TurnModel == config.TurnModelGemini {
		return turnmodel.NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	}
	return turnmodel.Heuristic{}, nil
}

func playbackFactory(sink tts.Sink, logger *slog.Logger) connection.PlaybackFactory {
	return func(cfg tts.Config) (connection.Playback, error) {
		if sink == nil {
			return nil, errors.New("no audio output for playback")
		}
		synth, err := tts.NewSynthesizer(cfg)
		if err != nil {
			return nil, err
		}
		return tts.NewPlayback(cfg, tts.PlaybackDeps{
			Synthesizer: synth,
			Sink:        sink,
			Logger:      logger.With("component", "tts"),
		}), nil
	}
}

func runVoice(ctx context.Context, logger *slog.Logger, out io.Writer, cfg config.Config, deps voiceDeps) error {
	if deps.openAudio == nil || deps.dialer == nil {
		return errors.New("missing audio or dialer dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	m := metrics.New("vai_voice")

	reporter, closeReporter, err := buildReporter(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("error reporting: %w", err)
	}
	defer closeReporter()

	store, closeStore, err := buildHistoryStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	clock := connection.NewClock(connection.ClockDeps{Store: store, Logger: logger})
	clock.Refresh(ctx)

	model, err := buildTurnModel(ctx, cfg)
	if err != nil {
		return fmt.Errorf("turn model: %w", err)
	}

	aio, err := deps.openAudio(cfg, logger)
	if err != nil {
		return fmt.Errorf("open audio: %w", err)
	}
	defer func() {
		if aio.close == nil {
			return
		}
		if err := aio.close(); err != nil {
			logger.Warn("close audio", "error", err)
		}
	}()

	lifecycle, err := connection.NewLifecycle(cfg.Lifecycle(), connection.LifecycleDeps{
		Clock:       clock,
		Dialer:      deps.dialer,
		Credentials: cfg.Credentials(),
		Capture:     aio.mic,
		Devices:     aio.devices,
		NewPlayback: playbackFactory(aio.speaker, logger),
		TurnModel:   model,
		LoadTuning:  config.LoadTuning,
		Logger:      logger,
		Reporter:    reporter,
		Metrics:     m,
		Tracer:      otel.Tracer("github.com/vango-go/vai-voice"),
	})
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	if cfg.MetricsAddr != "" {
		srv := buildMetricsServer(cfg.MetricsAddr, m.Handler())
		g.Go(func() error {
			logger.Info("serving metrics", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	sigCh := make(chan os.Signal, 2)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	g.Go(func() error {
		defer cancel()
		return runSession(gctx, logger, out, cfg, lifecycle, aio.mic, sigCh)
	})
	return g.Wait()
}

// runSession connects, streams the microphone until a signal or a provider
// drop, then disconnects. A second signal during the graceful disconnect
// forces an immediate one.
func runSession(ctx context.Context, logger *slog.Logger, out io.Writer, cfg config.Config, lc *connection.Lifecycle, mic microphone, sigCh <-chan os.Signal) error {
	lost := make(chan struct{}, 1)
	lc.SetCallbacks(func(connected bool) {
		logger.Info("connection changed", "connected", connected)
		if !connected {
			select {
			case lost <- struct{}{}:
			default:
			}
		}
	}, func(err error) {
		logger.Warn("session error", "error", err)
	})
	lc.OnTurn(func(turn live.Turn) {
		fmt.Fprintf(out, "you: %s\n", turn.Text)
		if cfg.SpeakBack {
			go func() {
				if err := lc.Speak(ctx, turn.Text); err != nil {
					logger.Warn("speak", "error", err)
				}
			}()
		}
	})
	lc.OnBargeIn(func(ev live.BargeInEvent) {
		logger.Info("barge-in", "transcript", ev.Transcript, "latency", ev.ConfirmedAt.Sub(ev.DetectedAt))
	})

	if err := lc.Connect(ctx, cfg.Session); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := mic.Start(lc.Send); err != nil {
		_ = lc.Disconnect(context.Background(), true)
		return fmt.Errorf("start microphone: %w", err)
	}
	logger.Info("listening", "language", cfg.Session.Language)

	var result error
	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		result = ctx.Err()
	case <-lost:
		result = errors.New("provider session lost")
	}

	done := make(chan error, 1)
	go func() {
		done <- lc.Disconnect(context.Background(), false)
	}()

	select {
	case err := <-done:
		if err != nil {
			logger.Warn("disconnect finished with errors", "error", err)
		}
	case sig := <-sigCh:
		logger.Warn("second signal, forcing disconnect", "signal", sig.String())
		if err := lc.Disconnect(context.Background(), true); err != nil {
			logger.Warn("forced disconnect finished with errors", "error", err)
		}
		select {
		case <-done:
		case <-time.After(forceExitWait):
			logger.Warn("graceful disconnect still running at exit")
		}
	}
	return result
}

func runMain(ctx context.Context, stdout, stderr io.Writer, deps voiceDeps) int {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	if deps.loadConfig == nil {
		fmt.Fprintln(stderr, "vai-voice: missing loadConfig dependency")
		return 1
	}

	if deps.loadEnv != nil {
		if err := deps.loadEnv(); err != nil {
			fmt.Fprintf(stderr, "vai-voice: %v\n", err)
			return 1
		}
	}
	cfg, err := deps.loadConfig()
	if err != nil {
		fmt.Fprintf(stderr, "vai-voice: load config: %v\n", err)
		return 1
	}
	logger := newLogger(stderr, cfg.LogLevel)

	if err := runVoice(ctx, logger, stdout, cfg, deps); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(stderr, "vai-voice: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stdout, os.Stderr, defaultVoiceDeps()))
}
