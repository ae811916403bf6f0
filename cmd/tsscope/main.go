// Command tsscope connects to an IWRF time-series server, assembles pulse
// batches and publishes them to a web view.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"golang.org/x/sync/errgroup"

	"github.com/rjboer/GoAScope/internal/connectionmgr"
	"github.com/rjboer/GoAScope/internal/logging"
	"github.com/rjboer/GoAScope/internal/mdns"
	"github.com/rjboer/GoAScope/internal/replay"
	"github.com/rjboer/GoAScope/internal/telemetry"
	"github.com/rjboer/GoAScope/internal/tsreader"
)

const configPath = "tsscope.json"

// statusInterval is how often reader stats are published.
const statusInterval = time.Second

func main() {
	persistentCfg, err := loadOrCreateConfig(configPath)
	if err != nil {
		fatal("load config", err)
	}

	cfg, err := parseConfig(os.Args[1:], os.LookupEnv, persistentCfg)
	if err != nil {
		fatal("parse config", err)
	}
	if err := saveConfig(configPath, persistentFromCLI(cfg)); err != nil {
		fatal("save config", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fatal("logger", err)
	}
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		fatal("init", err)
	}
	a.banner()
	if err := a.run(ctx); err != nil {
		fatal("run", err)
	}
}

func fatal(what string, err error) {
	logging.Default().Error(what, logging.Field{Key: "err", Value: err})
	os.Exit(1)
}

type cliConfig struct {
	host         string
	port         int
	refreshHz    float64
	debug        int
	blockSize    int
	simultaneous bool
	followXmit   bool
	radarID      int
	discover     bool
	discoverWait time.Duration
	sshHost      string
	sshUser      string
	sshKey       string
	sshPassword  string
	sshPort      int
	pcap         string
	pcapSpeed    float64
	pcapLoop     bool
	webAddr      string
	title        string
	logFormat    string
	historyLimit int
	sinkDepth    int
	live         bool
}

type persistentConfig struct {
	Host         string  `json:"host"`
	Port         int     `json:"port"`
	RefreshHz    float64 `json:"refresh_hz"`
	Debug        int     `json:"debug"`
	BlockSize    int     `json:"block_size"`
	Simultaneous bool    `json:"simultaneous"`
	FollowXmit   bool    `json:"follow_xmit_mode"`
	RadarID      int     `json:"radar_id"`
	SSHHost      string  `json:"ssh_host"`
	SSHUser      string  `json:"ssh_user"`
	SSHKey       string  `json:"ssh_key"`
	SSHPort      int     `json:"ssh_port"`
	WebAddr      string  `json:"web_addr"`
	Title        string  `json:"title"`
	LogFormat    string  `json:"log_format"`
	HistoryLimit int     `json:"history_limit"`
	SinkDepth    int     `json:"sink_depth"`
}

func parseConfig(args []string, lookup func(string) (string, bool), defaults persistentConfig) (cliConfig, error) {
	cfg := cliConfig{}
	fs := flag.NewFlagSet("tsscope", flag.ContinueOnError)
	fs.StringVar(&cfg.host, "host", envString(lookup, "TSSCOPE_HOST", defaults.Host), "Time-series server host")
	fs.IntVar(&cfg.port, "port", envInt(lookup, "TSSCOPE_PORT", defaults.Port), "Time-series server port")
	fs.Float64Var(&cfg.refreshHz, "refresh-hz", envFloat(lookup, "TSSCOPE_REFRESH_HZ", defaults.RefreshHz), "Poll rate in Hz")
	fs.IntVar(&cfg.debug, "debug", envInt(lookup, "TSSCOPE_DEBUG", defaults.Debug), "Debug level 0..2")
	fs.IntVar(&cfg.blockSize, "block-size", envInt(lookup, "TSSCOPE_BLOCK_SIZE", defaults.BlockSize), "Pulses per batch")
	fs.BoolVar(&cfg.simultaneous, "simultaneous", envBool(lookup, "TSSCOPE_SIMULTANEOUS", defaults.Simultaneous), "Queue H and V pulses together (simultaneous transmit)")
	fs.BoolVar(&cfg.followXmit, "follow-xmit-mode", envBool(lookup, "TSSCOPE_FOLLOW_XMIT_MODE", defaults.FollowXmit), "Queue H and V together while the server reports a simultaneous transmit mode")
	fs.IntVar(&cfg.radarID, "radar-id", envInt(lookup, "TSSCOPE_RADAR_ID", defaults.RadarID), "Only accept pulses from this radar id (-1 accepts all)")
	fs.BoolVar(&cfg.discover, "discover", envBool(lookup, "TSSCOPE_DISCOVER", false), "Find the server with mDNS instead of -host/-port")
	fs.DurationVar(&cfg.discoverWait, "discover-timeout", 3*time.Second, "mDNS browse duration")
	fs.StringVar(&cfg.sshHost, "ssh-host", envString(lookup, "TSSCOPE_SSH_HOST", defaults.SSHHost), "Tunnel the connection through this SSH host")
	fs.StringVar(&cfg.sshUser, "ssh-user", envString(lookup, "TSSCOPE_SSH_USER", defaults.SSHUser), "SSH user")
	fs.StringVar(&cfg.sshKey, "ssh-key", envString(lookup, "TSSCOPE_SSH_KEY", defaults.SSHKey), "SSH private key path")
	fs.StringVar(&cfg.sshPassword, "ssh-password", envString(lookup, "TSSCOPE_SSH_PASSWORD", ""), "SSH password (never saved)")
	fs.IntVar(&cfg.sshPort, "ssh-port", envInt(lookup, "TSSCOPE_SSH_PORT", defaults.SSHPort), "SSH port")
	fs.StringVar(&cfg.pcap, "pcap", envString(lookup, "TSSCOPE_PCAP", ""), "Replay the server stream from a pcap file")
	fs.Float64Var(&cfg.pcapSpeed, "pcap-speed", envFloat(lookup, "TSSCOPE_PCAP_SPEED", 1), "Replay speed factor, 0 for as fast as possible")
	fs.BoolVar(&cfg.pcapLoop, "pcap-loop", envBool(lookup, "TSSCOPE_PCAP_LOOP", false), "Repeat the capture")
	fs.StringVar(&cfg.webAddr, "web-addr", envString(lookup, "TSSCOPE_WEB_ADDR", defaults.WebAddr), "Web telemetry listen address (empty disables)")
	fs.StringVar(&cfg.title, "title", envString(lookup, "TSSCOPE_TITLE", defaults.Title), "Title shown in the banner")
	fs.StringVar(&cfg.logFormat, "log-format", envString(lookup, "TSSCOPE_LOG_FORMAT", defaults.LogFormat), "Log format (text|json|pretty)")
	fs.IntVar(&cfg.historyLimit, "history-limit", envInt(lookup, "TSSCOPE_HISTORY_LIMIT", defaults.HistoryLimit), "Batch summaries kept for the web view")
	fs.IntVar(&cfg.sinkDepth, "sink-depth", envInt(lookup, "TSSCOPE_SINK_DEPTH", defaults.SinkDepth), "Batches queued for the consumer before dropping")
	fs.BoolVar(&cfg.live, "live", envBool(lookup, "TSSCOPE_LIVE", false), "Show a live stats table in the terminal")

	if err := fs.Parse(args); err != nil {
		return cliConfig{}, err
	}
	if cfg.refreshHz <= 0 {
		return cliConfig{}, fmt.Errorf("refresh-hz must be positive, got %g", cfg.refreshHz)
	}
	if cfg.debug < 0 || cfg.debug > 2 {
		return cliConfig{}, fmt.Errorf("debug must be 0..2, got %d", cfg.debug)
	}
	if cfg.blockSize < 1 {
		return cliConfig{}, fmt.Errorf("block-size must be positive, got %d", cfg.blockSize)
	}
	return cfg, nil
}

func persistentFromCLI(cfg cliConfig) persistentConfig {
	return persistentConfig{
		Host:         cfg.host,
		Port:         cfg.port,
		RefreshHz:    cfg.refreshHz,
		Debug:        cfg.debug,
		BlockSize:    cfg.blockSize,
		Simultaneous: cfg.simultaneous,
		FollowXmit:   cfg.followXmit,
		RadarID:      cfg.radarID,
		SSHHost:      cfg.sshHost,
		SSHUser:      cfg.sshUser,
		SSHKey:       cfg.sshKey,
		SSHPort:      cfg.sshPort,
		WebAddr:      cfg.webAddr,
		Title:        cfg.title,
		LogFormat:    cfg.logFormat,
		HistoryLimit: cfg.historyLimit,
		SinkDepth:    cfg.sinkDepth,
	}
}

func loadOrCreateConfig(path string) (persistentConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := defaultPersistentConfig()
			if saveErr := saveConfig(path, cfg); saveErr != nil {
				return persistentConfig{}, saveErr
			}
			return cfg, nil
		}
		return persistentConfig{}, err
	}
	defer f.Close()

	cfg := defaultPersistentConfig()
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return persistentConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func saveConfig(path string, cfg persistentConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func defaultPersistentConfig() persistentConfig {
	return persistentConfig{
		Host:         "localhost",
		Port:         10000,
		RefreshHz:    50,
		Debug:        0,
		BlockSize:    tsreader.DefaultBlockSize,
		RadarID:      -1,
		SSHUser:      "root",
		SSHPort:      22,
		WebAddr:      ":8080",
		Title:        "tsscope",
		LogFormat:    "pretty",
		HistoryLimit: 500,
		SinkDepth:    16,
	}
}

func envFloat(lookup func(string) (string, bool), key string, def float64) float64 {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return def
}

func envInt(lookup func(string) (string, bool), key string, def int) int {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func envBool(lookup func(string) (string, bool), key string, def bool) bool {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return def
}

func envString(lookup func(string) (string, bool), key, def string) string {
	if val, ok := lookup(key); ok {
		return val
	}
	return def
}

func newLogger(cfg cliConfig) (logging.Logger, error) {
	format, err := logging.ParseFormat(cfg.logFormat)
	if err != nil {
		return nil, err
	}
	return logging.New(logging.LevelForDebug(cfg.debug), format, os.Stderr), nil
}

// resolveEndpoint picks the server address: a capture label, the first
// mDNS result, or host:port.
func resolveEndpoint(ctx context.Context, cfg cliConfig, logger logging.Logger) (string, error) {
	switch {
	case cfg.pcap != "":
		return "pcap:" + cfg.pcap, nil
	case cfg.discover:
		hosts, err := mdns.Discover(ctx, cfg.discoverWait)
		if err != nil {
			return "", err
		}
		if len(hosts) == 0 {
			return "", fmt.Errorf("no %s service found within %s", mdns.Service, cfg.discoverWait)
		}
		for _, h := range hosts {
			logger.Info("discovered server",
				logging.Field{Key: "instance", Value: h.Instance},
				logging.Field{Key: "endpoint", Value: h.Endpoint()})
		}
		return hosts[0].Endpoint(), nil
	default:
		return net.JoinHostPort(cfg.host, strconv.Itoa(cfg.port)), nil
	}
}

// buildDialer returns the transport override for the reader, or nil for a
// direct TCP connection. The returned func releases it.
func buildDialer(cfg cliConfig, logger logging.Logger) (connectionmgr.Dialer, func(), error) {
	switch {
	case cfg.pcap != "":
		c, err := replay.Open(cfg.pcap, uint16(cfg.port))
		if err != nil {
			return nil, nil, err
		}
		logger.Info("replaying capture",
			logging.Field{Key: "file", Value: cfg.pcap},
			logging.Field{Key: "segments", Value: len(c.Segments)},
			logging.Field{Key: "duration", Value: c.Duration().String()})
		d := replay.NewDialer(c, logger)
		d.Speed = cfg.pcapSpeed
		d.Loop = cfg.pcapLoop
		return d, d.Wait, nil
	case cfg.sshHost != "":
		d, err := connectionmgr.NewSSHDialer(connectionmgr.SSHConfig{
			Host:     cfg.sshHost,
			User:     cfg.sshUser,
			Password: cfg.sshPassword,
			KeyPath:  cfg.sshKey,
			Port:     cfg.sshPort,
		})
		if err != nil {
			return nil, nil, err
		}
		return d, func() { _ = d.Close() }, nil
	default:
		return nil, func() {}, nil
	}
}

func readerConfig(cfg cliConfig, endpoint string, dialer connectionmgr.Dialer, blockSize func() int) tsreader.Config {
	rc := tsreader.Config{
		Endpoint:           endpoint,
		BlockSize:          blockSize,
		DebugLevel:         cfg.debug,
		Simultaneous:       cfg.simultaneous,
		FollowTransmitMode: cfg.followXmit,
		Dialer:             dialer,
	}
	if cfg.radarID >= 0 {
		rc.FilterRadarID = true
		rc.RadarID = int32(cfg.radarID)
	}
	return rc
}

type app struct {
	cfg      cliConfig
	logger   logging.Logger
	endpoint string
	hub      *telemetry.Hub
	reporter telemetry.Reporter
	sink     *tsreader.ChannelSink
	reader   *tsreader.Reader
	release  func()
}

func newApp(ctx context.Context, cfg cliConfig, logger logging.Logger) (*app, error) {
	endpoint, err := resolveEndpoint(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	dialer, release, err := buildDialer(cfg, logger)
	if err != nil {
		return nil, err
	}

	hub := telemetry.NewHub(cfg.historyLimit, logger)
	if err := hub.SetBlockSize(cfg.blockSize); err != nil {
		release()
		return nil, err
	}
	sink := tsreader.NewChannelSink(cfg.sinkDepth)
	reader, err := tsreader.New(readerConfig(cfg, endpoint, dialer, hub.BlockSize), sink, logger)
	if err != nil {
		release()
		return nil, err
	}
	return &app{
		cfg:      cfg,
		logger:   logger,
		endpoint: endpoint,
		hub:      hub,
		reporter: telemetry.MultiReporter{hub, telemetry.NewStdoutReporter(logger)},
		sink:     sink,
		reader:   reader,
		release:  release,
	}, nil
}

func (a *app) banner() {
	pterm.DefaultHeader.WithFullWidth().Println(a.cfg.title)
	web := a.cfg.webAddr
	if web == "" {
		web = "disabled"
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
		{"setting", "value"},
		{"endpoint", a.endpoint},
		{"reader", a.reader.ID().String()},
		{"block size", strconv.Itoa(a.cfg.blockSize)},
		{"refresh", fmt.Sprintf("%g Hz", a.cfg.refreshHz)},
		{"simultaneous", strconv.FormatBool(a.cfg.simultaneous)},
		{"web", web},
	}).Render()
}

// run drives the reader until ctx is cancelled.
func (a *app) run(ctx context.Context) error {
	defer a.release()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer a.sink.Close()
		return a.pollLoop(gctx)
	})
	g.Go(a.consume)
	if a.cfg.webAddr != "" {
		g.Go(func() error { return telemetry.NewWebServer(a.cfg.webAddr, a.hub).Start(gctx) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *app) pollLoop(ctx context.Context) error {
	defer a.reader.Close()

	var area *pterm.AreaPrinter
	if a.cfg.live {
		if started, err := pterm.DefaultArea.Start(); err == nil {
			area = started
			defer func() { _ = area.Stop() }()
		}
	}

	ticker := time.NewTicker(time.Duration(float64(time.Second) / a.cfg.refreshHz))
	defer ticker.Stop()
	var lastStatus time.Time
	for {
		select {
		case <-ctx.Done():
			a.publishStatus()
			return nil
		case now := <-ticker.C:
			a.reader.Poll(ctx)
			if now.Sub(lastStatus) < statusInterval {
				continue
			}
			lastStatus = now
			st := a.publishStatus()
			if area != nil {
				if text, err := renderStats(st); err == nil {
					area.Update(text)
				}
			}
		}
	}
}

func (a *app) publishStatus() tsreader.Stats {
	st := a.reader.Stats()
	a.reporter.ReportStatus(telemetry.NewStatus(a.reader.ID().String(), a.endpoint, a.reader.OperatingInfo(), st))
	return st
}

// consume hands every batch to telemetry and returns its buffers.
func (a *app) consume() error {
	for b := range a.sink.C() {
		a.reporter.ReportBatch(telemetry.Summarize(b))
		if err := a.reader.ReturnBatch(b.Handle); err != nil {
			// batches still queued at shutdown were abandoned by Close
			a.logger.Debug("return batch", logging.Field{Key: "err", Value: err})
		}
	}
	return nil
}

func renderStats(st tsreader.Stats) (string, error) {
	u := func(v uint64) string { return strconv.FormatUint(v, 10) }
	return pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
		{"state", "packets", "pulses", "batches", "dropped", "desyncs", "malformed", "outstanding", "queued H/V"},
		{
			st.State.String(), u(st.Packets), u(st.Pulses), u(st.Batches), u(st.Dropped),
			u(st.Desyncs), u(st.Malformed), strconv.Itoa(st.Outstanding),
			fmt.Sprintf("%d/%d", st.QueuedH, st.QueuedV),
		},
	}).Srender()
}
