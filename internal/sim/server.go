package sim

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rjboer/GoAScope/internal/logging"
)

// DefaultMetadataEvery is how many pulses pass between metadata repeats.
const DefaultMetadataEvery = 1000

const (
	tickInterval = 10 * time.Millisecond
	writeTimeout = 2 * time.Second
)

// Server streams a generated time series to every client that connects.
// Each client gets its own generator starting at sequence number 1.
type Server struct {
	Profile Profile
	Seed    uint64

	// PulseRateHz defaults to 1/PRT.
	PulseRateHz float64
	// MetadataEvery resends sync and metadata packets; zero uses
	// DefaultMetadataEvery, negative disables repeats.
	MetadataEvery int

	// Record receives a copy of every byte sent, for example a
	// replay.Writer. Writes from concurrent clients are serialised.
	Record io.Writer

	Logger logging.Logger

	recMu   sync.Mutex
	clients atomic.Int64
	pulses  atomic.Uint64
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int { return int(s.clients.Load()) }

// Pulses returns the number of pulses sent to all clients.
func (s *Server) Pulses() uint64 { return s.pulses.Load() }

func (s *Server) logger() logging.Logger {
	return logging.OrDefault(s.Logger).With(logging.Field{Key: "subsystem", Value: "sim"})
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts clients on ln until ctx is cancelled, then closes ln and
// waits for client streams to stop.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.Profile.validate(); err != nil {
		ln.Close()
		return err
	}
	log := s.logger()
	log.Info("simulator listening", logging.Field{Key: "addr", Value: ln.Addr().String()})

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.clients.Add(1)
			defer s.clients.Add(-1)
			clog := log.With(logging.Field{Key: "client", Value: conn.RemoteAddr().String()})
			clog.Info("client connected")
			err := s.stream(ctx, conn)
			conn.Close()
			clog.Info("client disconnected", logging.Field{Key: "err", Value: err})
		}()
	}
}

func (s *Server) record(b []byte) {
	if s.Record == nil {
		return
	}
	s.recMu.Lock()
	defer s.recMu.Unlock()
	_, _ = s.Record.Write(b)
}

func (s *Server) send(conn net.Conn, pkts [][]byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	for _, b := range pkts {
		if _, err := conn.Write(b); err != nil {
			return err
		}
		s.record(b)
	}
	return nil
}

func (s *Server) stream(ctx context.Context, conn net.Conn) error {
	gen, err := NewGenerator(s.Profile, s.Seed, time.Now())
	if err != nil {
		return err
	}
	if err := s.send(conn, gen.Metadata()); err != nil {
		return err
	}

	rate := s.PulseRateHz
	if rate <= 0 {
		rate = 1 / float64(s.Profile.PrtSec)
	}
	every := s.MetadataEvery
	if every == 0 {
		every = DefaultMetadataEvery
	}

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	last := time.Now()
	budget := 0.0
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			budget += rate * now.Sub(last).Seconds()
			last = now
			for ; budget >= 1; budget-- {
				pkts, err := gen.Next()
				if err != nil {
					return err
				}
				if every > 0 && gen.Seq()%int64(every) == 0 {
					pkts = append(gen.Metadata(), pkts...)
				}
				if err := s.send(conn, pkts); err != nil {
					return err
				}
				s.pulses.Add(1)
			}
		}
	}
}
