// Command tssim serves a synthetic IWRF time-series stream for tsscope.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rjboer/GoAScope/internal/logging"
	"github.com/rjboer/GoAScope/internal/mdns"
	"github.com/rjboer/GoAScope/internal/replay"
	"github.com/rjboer/GoAScope/internal/sim"
)

type cliConfig struct {
	addr        string
	rateHz      float64
	gates       int
	channels    int
	prtSec      float64
	dopplerHz   float64
	noise       float64
	alternating bool
	burst       int
	int16       bool
	seed        uint64
	radarID     int
	name        string
	advertise   bool
	record      string
	logFormat   string
	debug       int
}

func main() {
	cfg, err := parseConfig(os.Args[1:], os.LookupEnv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	format, err := logging.ParseFormat(cfg.logFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := logging.New(logging.LevelForDebug(cfg.debug), format, os.Stderr)
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("simulator stopped", logging.Field{Key: "err", Value: err})
		os.Exit(1)
	}
}

func parseConfig(args []string, lookup func(string) (string, bool)) (cliConfig, error) {
	def := sim.DefaultProfile()
	cfg := cliConfig{}
	fs := flag.NewFlagSet("tssim", flag.ContinueOnError)
	fs.StringVar(&cfg.addr, "addr", envString(lookup, "TSSIM_ADDR", ":10000"), "Listen address")
	fs.Float64Var(&cfg.rateHz, "rate-hz", envFloat(lookup, "TSSIM_RATE_HZ", 0), "Pulses per second, 0 for 1/PRT")
	fs.IntVar(&cfg.gates, "gates", envInt(lookup, "TSSIM_GATES", def.Gates), "Gates per pulse")
	fs.IntVar(&cfg.channels, "channels", envInt(lookup, "TSSIM_CHANNELS", def.Channels), "Raw channels per pulse (1 or 2)")
	fs.Float64Var(&cfg.prtSec, "prt", envFloat(lookup, "TSSIM_PRT", float64(def.PrtSec)), "Pulse repetition time in seconds")
	fs.Float64Var(&cfg.dopplerHz, "doppler-hz", envFloat(lookup, "TSSIM_DOPPLER_HZ", def.DopplerHz), "Target Doppler shift")
	fs.Float64Var(&cfg.noise, "noise", envFloat(lookup, "TSSIM_NOISE", def.NoiseStd), "Noise standard deviation")
	fs.BoolVar(&cfg.alternating, "alternating", envBool(lookup, "TSSIM_ALTERNATING", def.Alternating), "Alternate H and V pulses")
	fs.IntVar(&cfg.burst, "burst", envInt(lookup, "TSSIM_BURST", 0), "Burst samples per pulse, 0 disables bursts")
	fs.BoolVar(&cfg.int16, "int16", envBool(lookup, "TSSIM_INT16", false), "Send scaled int16 IQ")
	fs.Uint64Var(&cfg.seed, "seed", uint64(envInt(lookup, "TSSIM_SEED", 1)), "Noise seed")
	fs.IntVar(&cfg.radarID, "radar-id", envInt(lookup, "TSSIM_RADAR_ID", int(def.RadarID)), "Radar id stamped on pulses")
	fs.StringVar(&cfg.name, "name", envString(lookup, "TSSIM_NAME", def.RadarName), "Radar name")
	fs.BoolVar(&cfg.advertise, "advertise", envBool(lookup, "TSSIM_ADVERTISE", false), "Advertise the server with mDNS")
	fs.StringVar(&cfg.record, "record", envString(lookup, "TSSIM_RECORD", ""), "Also write the stream to this pcap file")
	fs.StringVar(&cfg.logFormat, "log-format", envString(lookup, "TSSIM_LOG_FORMAT", "pretty"), "Log format (text|json|pretty)")
	fs.IntVar(&cfg.debug, "debug", envInt(lookup, "TSSIM_DEBUG", 0), "Debug level 0..2")
	if err := fs.Parse(args); err != nil {
		return cliConfig{}, err
	}
	return cfg, nil
}

func profileFrom(cfg cliConfig) sim.Profile {
	p := sim.DefaultProfile()
	p.Gates = cfg.gates
	p.Channels = cfg.channels
	p.PrtSec = float32(cfg.prtSec)
	p.DopplerHz = cfg.dopplerHz
	p.NoiseStd = cfg.noise
	p.Alternating = cfg.alternating
	p.BurstSamples = cfg.burst
	p.Int16 = cfg.int16
	p.RadarID = int32(cfg.radarID)
	p.RadarName = cfg.name
	return p
}

func run(ctx context.Context, cfg cliConfig, logger logging.Logger) error {
	ln, err := net.Listen("tcp", cfg.addr)
	if err != nil {
		return err
	}
	port := ln.Addr().(*net.TCPAddr).Port

	srv := &sim.Server{
		Profile:     profileFrom(cfg),
		Seed:        cfg.seed,
		PulseRateHz: cfg.rateHz,
		Logger:      logger,
	}

	if cfg.record != "" {
		f, err := os.Create(cfg.record)
		if err != nil {
			ln.Close()
			return err
		}
		defer f.Close()
		w, err := replay.NewWriter(f, uint16(port))
		if err != nil {
			ln.Close()
			return err
		}
		srv.Record = w
		defer func() {
			logger.Info("capture written",
				logging.Field{Key: "file", Value: cfg.record},
				logging.Field{Key: "records", Value: w.Records()})
		}()
	}

	if cfg.advertise {
		host, _ := os.Hostname()
		shutdown, err := mdns.Advertise(fmt.Sprintf("tssim on %s", host), port, []string{"radar=" + cfg.name, "id=" + strconv.Itoa(cfg.radarID)})
		if err != nil {
			logger.Warn("mdns advertise failed", logging.Field{Key: "err", Value: err})
		} else {
			defer shutdown()
		}
	}

	return srv.Serve(ctx, ln)
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
