package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/rjboer/GoAScope/internal/iwrf"
	"github.com/rjboer/GoAScope/internal/logging"
	"github.com/rjboer/GoAScope/internal/replay"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := parseConfig(nil, func(string) (string, bool) { return "", false })
	if err != nil {
		t.Fatalf("parseConfig failed: %v", err)
	}
	if cfg.addr != ":10000" || cfg.gates != 400 || cfg.channels != 2 || !cfg.alternating {
		t.Fatalf("unexpected defaults: %#v", cfg)
	}
}

func TestProfileFromFlagsAndEnv(t *testing.T) {
	env := map[string]string{"TSSIM_GATES": "50", "TSSIM_INT16": "1"}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	cfg, err := parseConfig([]string{"-alternating=false", "-burst", "8", "-name", "BENCH"}, lookup)
	if err != nil {
		t.Fatalf("parseConfig failed: %v", err)
	}
	p := profileFrom(cfg)
	if p.Gates != 50 || !p.Int16 || p.Alternating || p.BurstSamples != 8 || p.RadarName != "BENCH" {
		t.Fatalf("unexpected profile: %#v", p)
	}
}

func TestRunRecordsCapture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sim.pcap")
	cfg, err := parseConfig([]string{"-addr", "127.0.0.1:0", "-record", path, "-gates", "8", "-rate-hz", "500"},
		func(string) (string, bool) { return "", false })
	if err != nil {
		t.Fatalf("parseConfig failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	rec := logging.NewRecorder()
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, rec) }()

	// the listener address is only known from the log
	var addr string
	deadline := time.Now().Add(5 * time.Second)
	for addr == "" && time.Now().Before(deadline) {
		for _, e := range rec.Entries() {
			if e.Msg == "simulator listening" {
				v, _ := e.Field("addr")
				addr, _ = v.(string)
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	if addr == "" {
		t.Fatal("simulator did not start")
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	head := make([]byte, iwrf.SyncLen)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(head); err != nil {
		t.Fatalf("read: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	conn.Close()

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	_, p, _ := net.SplitHostPort(addr)
	port, err := strconv.Atoi(p)
	if err != nil {
		t.Fatalf("port of %q: %v", addr, err)
	}
	c, err := replay.Load(f, uint16(port))
	if err != nil {
		t.Fatalf("load capture: %v", err)
	}
	if err := iwrf.DecodeSync(c.Bytes()[:iwrf.SyncLen]); err != nil {
		t.Fatalf("capture does not start with sync: %v", err)
	}
}
