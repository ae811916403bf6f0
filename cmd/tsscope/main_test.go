package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rjboer/GoAScope/internal/connectionmgr"
	"github.com/rjboer/GoAScope/internal/iwrf"
	"github.com/rjboer/GoAScope/internal/logging"
	"github.com/rjboer/GoAScope/internal/replay"
	"github.com/rjboer/GoAScope/internal/sim"
	"github.com/rjboer/GoAScope/internal/tsreader"
)

func noEnv(string) (string, bool) { return "", false }

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := parseConfig([]string{}, noEnv, defaultPersistentConfig())
	if err != nil {
		t.Fatalf("parseConfig failed: %v", err)
	}
	if cfg.host != "localhost" || cfg.port != 10000 || cfg.refreshHz != 50 || cfg.blockSize != 64 {
		t.Fatalf("unexpected defaults: %#v", cfg)
	}
	if cfg.radarID != -1 || cfg.debug != 0 || cfg.simultaneous {
		t.Fatalf("unexpected defaults: %#v", cfg)
	}
}

func TestParseConfigEnvOverrides(t *testing.T) {
	env := map[string]string{
		"TSSCOPE_HOST":         "radar01",
		"TSSCOPE_PORT":         "12000",
		"TSSCOPE_BLOCK_SIZE":   "128",
		"TSSCOPE_SIMULTANEOUS": "true",
		"TSSCOPE_DEBUG":        "not-a-number",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	cfg, err := parseConfig([]string{"-radar-id", "3", "-debug", "2"}, lookup, defaultPersistentConfig())
	if err != nil {
		t.Fatalf("parseConfig failed: %v", err)
	}
	if cfg.host != "radar01" || cfg.port != 12000 || cfg.blockSize != 128 || !cfg.simultaneous {
		t.Fatalf("env overrides not applied: %#v", cfg)
	}
	if cfg.radarID != 3 || cfg.debug != 2 {
		t.Fatalf("flags not applied: %#v", cfg)
	}
}

func TestParseConfigRejectsInvalid(t *testing.T) {
	for _, args := range [][]string{
		{"-debug", "3"},
		{"-refresh-hz", "0"},
		{"-block-size", "0"},
		{"-no-such-flag"},
	} {
		if _, err := parseConfig(args, noEnv, defaultPersistentConfig()); err == nil {
			t.Fatalf("expected error for %v", args)
		}
	}
}

func TestConfigPersistenceOmitsPassword(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tsscope.json")

	loaded, err := loadOrCreateConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded != defaultPersistentConfig() {
		t.Fatalf("expected defaults on first load, got %#v", loaded)
	}

	cfg, err := parseConfig([]string{"-host", "radar02", "-ssh-password", "hunter2"}, noEnv, loaded)
	if err != nil {
		t.Fatalf("parseConfig failed: %v", err)
	}
	if err := saveConfig(path, persistentFromCLI(cfg)); err != nil {
		t.Fatalf("save: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.Contains(string(raw), "hunter2") {
		t.Fatal("password must not be persisted")
	}

	reloaded, err := loadOrCreateConfig(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Host != "radar02" {
		t.Fatalf("expected persisted host, got %q", reloaded.Host)
	}
}

func TestLoadConfigRejectsBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tsscope.json")
	if err := os.WriteFile(path, []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadOrCreateConfig(path); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestReaderConfigRadarFilter(t *testing.T) {
	cfg := cliConfig{radarID: -1, debug: 2}
	rc := readerConfig(cfg, "h:1", nil, tsreader.FixedBlockSize(8))
	if rc.FilterRadarID {
		t.Fatal("negative radar id must not filter")
	}
	if rc.DebugLevel != 2 || rc.BlockSize() != 8 {
		t.Fatalf("unexpected reader config %#v", rc)
	}

	cfg.radarID = 7
	rc = readerConfig(cfg, "h:1", nil, nil)
	if !rc.FilterRadarID || rc.RadarID != 7 {
		t.Fatalf("expected filter on radar 7, got %#v", rc)
	}
}

func TestResolveEndpoint(t *testing.T) {
	rec := logging.NewRecorder()
	ep, err := resolveEndpoint(context.Background(), cliConfig{host: "::1", port: 10000}, rec)
	if err != nil || ep != "[::1]:10000" {
		t.Fatalf("unexpected endpoint %q, %v", ep, err)
	}
	ep, err = resolveEndpoint(context.Background(), cliConfig{pcap: "run.pcap"}, rec)
	if err != nil || ep != "pcap:run.pcap" {
		t.Fatalf("unexpected endpoint %q, %v", ep, err)
	}
}

func TestBuildDialer(t *testing.T) {
	rec := logging.NewRecorder()

	d, release, err := buildDialer(cliConfig{}, rec)
	if err != nil || d != nil {
		t.Fatalf("expected direct tcp, got %v, %v", d, err)
	}
	release()

	d, release, err = buildDialer(cliConfig{sshHost: "10.0.0.1", sshUser: "root", sshPassword: "x", sshPort: 22}, rec)
	if err != nil {
		t.Fatalf("ssh dialer: %v", err)
	}
	if _, ok := d.(*connectionmgr.SSHDialer); !ok {
		t.Fatalf("expected *SSHDialer, got %T", d)
	}
	release()

	path := filepath.Join(t.TempDir(), "stream.pcap")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	w, err := replay.NewWriter(f, 10000)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(iwrf.EncodeSync()); err != nil {
		t.Fatal(err)
	}
	f.Close()

	d, release, err = buildDialer(cliConfig{pcap: path, port: 10000, pcapSpeed: 0}, rec)
	if err != nil {
		t.Fatalf("pcap dialer: %v", err)
	}
	if _, ok := d.(*replay.Dialer); !ok {
		t.Fatalf("expected *replay.Dialer, got %T", d)
	}
	release()

	if _, _, err := buildDialer(cliConfig{pcap: filepath.Join(t.TempDir(), "missing.pcap")}, rec); err == nil {
		t.Fatal("expected error for missing capture")
	}
}

func TestRenderStats(t *testing.T) {
	text, err := renderStats(tsreader.Stats{Batches: 42, State: connectionmgr.StateConnected})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(text, "42") || !strings.Contains(text, "connected") {
		t.Fatalf("unexpected table:\n%s", text)
	}
}

func TestAppStreamsFromSimulator(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	profile := sim.DefaultProfile()
	profile.Gates = 32
	srv := &sim.Server{Profile: profile, Seed: 1, PulseRateHz: 2000, Logger: logging.NewRecorder()}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srvDone := make(chan error, 1)
	go func() { srvDone <- srv.Serve(ctx, ln) }()

	cfg, err := parseConfig([]string{
		"-host", "127.0.0.1",
		"-port", strconv.Itoa(ln.Addr().(*net.TCPAddr).Port),
		"-refresh-hz", "200",
		"-block-size", "8",
		"-web-addr", "",
	}, noEnv, defaultPersistentConfig())
	if err != nil {
		t.Fatalf("parseConfig failed: %v", err)
	}

	rec := logging.NewRecorder()
	appCtx, stop := context.WithCancel(ctx)
	a, err := newApp(appCtx, cfg, rec)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	runDone := make(chan error, 1)
	go func() { runDone <- a.run(appCtx) }()

	deadline := time.Now().Add(10 * time.Second)
	for len(a.hub.History()) < 4 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	stop()
	if err := <-runDone; err != nil {
		t.Fatalf("run: %v", err)
	}

	history := a.hub.History()
	if len(history) < 4 {
		t.Fatalf("expected at least 4 batches, got %d", len(history))
	}
	if history[0].Mode != tsreader.ModeAlternating.String() || history[0].Gates != 32 || history[0].Pulses != 8 {
		t.Fatalf("unexpected first batch %+v", history[0])
	}
	if got := a.hub.StatusSnapshot(); got.Radar != "TSSIM" {
		t.Fatalf("expected radar name in status, got %+v", got)
	}

	cancel()
	if err := <-srvDone; err != nil {
		t.Fatalf("sim server: %v", err)
	}
}
