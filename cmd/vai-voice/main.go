package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	flag "github.com/spf13/pflag"

	"github.com/vango-go/vai-voice/pkg/gateway/config"
	"github.com/vango-go/vai-voice/pkg/gateway/live/protocol"
)

type voiceDeps struct {
	loadConfig   func() (config.Config, error)
	newApp       func(context.Context, config.Config, *slog.Logger) (*app, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultVoiceDeps() voiceDeps {
	return voiceDeps{
		loadConfig: config.LoadFromEnv,
		newApp:     newApp,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

type options struct {
	envFile   string
	addr      string
	logLevel  string
	logFormat string
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("vai-voice", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before reading VAI_VOICE_* settings")
	fs.StringVar(&opts.addr, "addr", "", "listen address (overrides VAI_VOICE_ADDR)")
	fs.StringVar(&opts.logLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&opts.logFormat, "log-format", "text", "text|json")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}
	switch strings.ToLower(format) {
	case "text", "":
		return slog.New(tint.NewHandler(w, &tint.Options{Level: lvl})), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})), nil
	default:
		return nil, fmt.Errorf("invalid --log-format %q", format)
	}
}

// loadEnvFile applies path to the process environment without overriding
// variables that are already set. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %q: %w", path, err)
	}
	return nil
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func runServer(ctx context.Context, logger *slog.Logger, opts options, deps voiceDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.newApp == nil {
		return errors.New("missing newApp dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.addr != "" {
		cfg.Addr = opts.addr
	}

	a, err := deps.newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close(logger)

	httpSrv := buildHTTPServer(cfg, a.handler)
	logger.Info("starting voice gateway",
		"addr", cfg.Addr,
		"auth_mode", cfg.AuthMode,
		"stt", cfg.STTProvider,
		"tts", cfg.TTSProvider,
		"llm", cfg.LLMProvider,
		"store", cfg.DatabaseDriver,
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	a.lifecycle.BeginDrain()
	drainEvent := protocol.NewError(protocol.CodeDraining)
	warned := a.sessions.WarnAll(drainEvent.Code, drainEvent.Message)
	logger.Info("draining voice sessions", "warned", warned, "active", a.sessions.Count())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !a.sessions.Wait(waitCtx) {
		canceled := a.sessions.CancelAll()
		logger.Warn("grace period elapsed; canceled voice sessions", "canceled", canceled)
	}

	bgCtx, bgCancel := context.WithTimeout(context.Background(), cfg.BackgroundDrainPeriod)
	defer bgCancel()
	if err := a.background.Wait(bgCtx); err != nil {
		logger.Warn("background work abandoned", "error", err)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("voice gateway stopped")
	return nil
}

func runMain(ctx context.Context, args []string, stderr io.Writer, deps voiceDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}

	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "vai-voice: %v\n", err)
		return 2
	}
	logger, err := newLogger(stderr, opts.logLevel, opts.logFormat)
	if err != nil {
		fmt.Fprintf(stderr, "vai-voice: %v\n", err)
		return 2
	}
	if err := loadEnvFile(opts.envFile); err != nil {
		fmt.Fprintf(stderr, "vai-voice: %v\n", err)
		return 1
	}

	if err := runServer(ctx, logger, opts, deps); err != nil {
		fmt.Fprintf(stderr, "vai-voice: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stderr, defaultVoiceDeps()))
}
