// Command loquat runs the on-device meeting transcriber core from a
// terminal: it captures the default microphone, runs the live transcription
// and diarization pipeline, and prints attributed transcript lines as they
// are committed.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loquatlabs/loquat/internal/artifacts"
	"github.com/loquatlabs/loquat/internal/capture"
	"github.com/loquatlabs/loquat/internal/config"
	"github.com/loquatlabs/loquat/internal/events"
	"github.com/loquatlabs/loquat/internal/health"
	"github.com/loquatlabs/loquat/internal/observe"
	"github.com/loquatlabs/loquat/internal/profile"
	"github.com/loquatlabs/loquat/internal/session"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	captureRate := flag.Int("capture-rate", 48000, "microphone sample rate in Hz")
	captureChannels := flag.Int("capture-channels", 1, "microphone channel count")
	jsonEvents := flag.Bool("json", false, "print raw events as JSON instead of transcript lines")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "loquat: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "loquat: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────
	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "loquat"})
	if err != nil {
		slog.Error("init metrics provider", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownMetrics(shutdownCtx)
	}()
	metrics := observe.DefaultMetrics()

	// ── Model artifacts ───────────────────────────────────────────────────
	provider, err := artifacts.NewDirProvider(cfg.Models.Dir)
	if err != nil {
		slog.Error("model catalogue", "dir", cfg.Models.Dir, "err", err)
		return 1
	}

	// ── Profile store ─────────────────────────────────────────────────────
	var store profile.Store
	if dsn := cfg.Storage.PostgresDSN; dsn != "" {
		pg, err := profile.NewPostgresStore(ctx, dsn, embeddingDim(provider))
		if err != nil {
			slog.Error("profile store", "err", err)
			return 1
		}
		store = pg
	} else {
		slog.Info("no postgres_dsn configured; speaker profiles will not survive this run")
		store = profile.NewMemStore()
	}
	defer store.Close()

	// ── Controller + event sink ───────────────────────────────────────────
	sink := newConsoleSink(*jsonEvents)
	ctrl := session.NewController(session.Deps{
		Artifacts: provider,
		Profiles:  store,
		Sink:      sink,
		Metrics:   metrics,
	})

	if cfg.Server.MetricsAddr != "" {
		go serveMetrics(cfg.Server.MetricsAddr,
			health.Checker{Name: "models", Check: func(context.Context) error {
				_, err := os.Stat(cfg.Models.Dir)
				return err
			}},
			health.Checker{Name: "profiles", Check: func(hctx context.Context) error {
				_, err := store.List(hctx, false)
				return err
			}},
		)
	}

	sessionID, err := ctrl.StartSession(ctx, cfg)
	if err != nil {
		slog.Error("start session", "err", err)
		return 1
	}

	// ── Microphone ────────────────────────────────────────────────────────
	mic, err := capture.Start(*captureRate, *captureChannels, func(pcm []float32, ts time.Time) {
		if err := ctrl.ProcessAudio(sessionID, pcm, *captureRate, *captureChannels, ts); err != nil {
			slog.Warn("process audio", "err", err)
		}
	})
	if err != nil {
		slog.Error("open microphone", "err", err)
		_, _ = ctrl.StopSession(context.Background(), sessionID)
		return 1
	}

	slog.Info("transcribing — press Ctrl+C to stop", "session_id", sessionID)
	<-ctx.Done()

	mic.Stop()
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := ctrl.StopSession(stopCtx, sessionID)
	if err != nil {
		slog.Error("stop session", "err", err)
		return 1
	}

	fmt.Printf("\n── session summary ──\n")
	fmt.Printf("audio: %s  segments: %d  speakers: %d\n",
		result.AudioDuration.Round(time.Second), len(result.Segments), len(result.Speakers))
	for _, sp := range result.Speakers {
		fmt.Printf("  %-20s %8s  (%d segments, confidence %.2f)\n",
			sp.DisplayName, sp.SpeakingTime.Round(time.Second), sp.SegmentCount, sp.AvgConfidence)
	}
	return 0
}

// consoleSink renders events for the terminal: transcript lines by default,
// raw JSON with -json.
type consoleSink struct {
	json  bool
	names map[string]string
}

func newConsoleSink(jsonMode bool) events.Sink {
	s := &consoleSink{json: jsonMode, names: map[string]string{}}
	return s
}

func (s *consoleSink) Publish(ev events.Event) error {
	if s.json {
		raw, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		fmt.Println(string(raw))
		return nil
	}

	switch data := ev.Data.(type) {
	case events.TranscriptionUpdateData:
		marker := ""
		if data.UpdateType == events.UpdateCorrection {
			marker = " ↻"
		}
		fmt.Printf("[%7s] %s%s: %s\n",
			data.Segment.Start.Round(100*time.Millisecond),
			shortID(data.Segment.SpeakerID), marker, data.Segment.Text)
	case events.SpeakerDetectedData:
		fmt.Printf("         • new speaker %s at %s\n", shortID(data.SpeakerID), data.At.Round(time.Second))
	case events.WarningData:
		fmt.Printf("         ! %s\n", data.Fault.Message)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func serveMetrics(addr string, checkers ...health.Checker) {
	h := health.New(checkers...)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	h.Register(mux)
	slog.Info("metrics endpoint listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Warn("metrics endpoint", "err", err)
	}
}

// embeddingDim reads the embedder dimension from the model catalogue,
// falling back to 256 when the manifest does not record one.
func embeddingDim(p artifacts.Provider) int {
	if art, err := p.Locate(artifacts.KindEmbedder, ""); err == nil && art.Dim > 0 {
		return art.Dim
	}
	return 256
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
