package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vango-go/vai-voice/pkg/gateway/config"
)

func noSignals() (func(chan<- os.Signal, ...os.Signal), func(chan<- os.Signal)) {
	return func(chan<- os.Signal, ...os.Signal) {}, func(chan<- os.Signal) {}
}

func localConfig(t *testing.T) config.Config {
	t.Helper()
	t.Setenv("VAI_VOICE_AUTH_MODE", "disabled")
	t.Setenv("VAI_VOICE_DATABASE_DRIVER", "sqlite")
	t.Setenv("VAI_VOICE_DATABASE_URL", ":memory:")
	cfg, err := config.LoadFromEnv()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func TestRunMain_ReturnsNonZeroWhenConfigLoadFails(t *testing.T) {
	t.Parallel()

	notify, stop := noSignals()
	var stderr bytes.Buffer
	exitCode := runMain(context.Background(), []string{"--env-file", ""}, &stderr, voiceDeps{
		loadConfig: func() (config.Config, error) {
			return config.Config{}, errors.New("boom")
		},
		newApp: func(context.Context, config.Config, *slog.Logger) (*app, error) {
			t.Fatalf("newApp should not be called when config load fails")
			return nil, nil
		},
		signalNotify: notify,
		signalStop:   stop,
	})

	if exitCode != 1 {
		t.Fatalf("exitCode=%d, want 1", exitCode)
	}
	if got := stderr.String(); got == "" {
		t.Fatalf("expected stderr output for startup error")
	}
}

func TestRunMain_RejectsUnknownLogFormat(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	exitCode := runMain(context.Background(), []string{"--log-format", "xml"}, &stderr, defaultVoiceDeps())
	if exitCode != 2 {
		t.Fatalf("exitCode=%d, want 2", exitCode)
	}
}

func TestBuildHTTPServer_UsesConfiguredAddress(t *testing.T) {
	t.Parallel()

	cfg := config.Config{
		Addr:              "127.0.0.1:9999",
		ReadHeaderTimeout: 2 * time.Second,
	}
	srv := buildHTTPServer(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	if srv.Addr != cfg.Addr {
		t.Fatalf("Addr=%q, want %q", srv.Addr, cfg.Addr)
	}
	if srv.ReadHeaderTimeout != cfg.ReadHeaderTimeout {
		t.Fatalf("ReadHeaderTimeout=%v, want %v", srv.ReadHeaderTimeout, cfg.ReadHeaderTimeout)
	}
}

func TestLoadEnvFile_KeepsExistingEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("VAI_VOICE_TEST_KEEP=file\nVAI_VOICE_TEST_NEW=file\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("VAI_VOICE_TEST_KEEP", "process")
	t.Setenv("VAI_VOICE_TEST_NEW", "")
	os.Unsetenv("VAI_VOICE_TEST_NEW")

	if err := loadEnvFile(path); err != nil {
		t.Fatalf("loadEnvFile: %v", err)
	}
	if got := os.Getenv("VAI_VOICE_TEST_KEEP"); got != "process" {
		t.Fatalf("VAI_VOICE_TEST_KEEP=%q, want process", got)
	}
	if got := os.Getenv("VAI_VOICE_TEST_NEW"); got != "file" {
		t.Fatalf("VAI_VOICE_TEST_NEW=%q, want file", got)
	}
	if err := loadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing env file should be ignored: %v", err)
	}
}

func TestNewApp_HandlerStackSmoke(t *testing.T) {
	cfg := localConfig(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	a, err := newApp(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.close(logger)

	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("missing request id header")
	}
}

func TestNewApp_UnknownProvider(t *testing.T) {
	cfg := localConfig(t)
	cfg.TTSProvider = "nope"
	if _, err := newApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatalf("expected error for unknown tts provider")
	}
}

func TestRunServer_DrainsOnSignal(t *testing.T) {
	cfg := localConfig(t)
	cfg.ShutdownGracePeriod = time.Second
	cfg.BackgroundDrainPeriod = time.Second

	var built *app
	deps := voiceDeps{
		loadConfig: func() (config.Config, error) { return cfg, nil },
		newApp: func(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
			a, err := newApp(ctx, cfg, logger)
			built = a
			return a, err
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			go func() { c <- os.Interrupt }()
		},
		signalStop: func(chan<- os.Signal) {},
	}

	done := make(chan error, 1)
	go func() {
		done <- runServer(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)), options{addr: "127.0.0.1:0"}, deps)
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runServer: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("runServer did not stop after signal")
	}
	if built == nil || !built.lifecycle.IsDraining() {
		t.Fatalf("expected lifecycle to be draining after shutdown")
	}
}
