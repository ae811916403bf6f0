// Package tsreader turns a framed IWRF stream into display batches. A Reader
// owns no goroutine or timer: an external driver calls Poll once per tick, and
// consumers hand every emitted batch back through ReturnBatch.
package tsreader

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/rjboer/GoAScope/internal/connectionmgr"
	"github.com/rjboer/GoAScope/internal/iwrf"
	"github.com/rjboer/GoAScope/internal/logging"
)

// Stats is a snapshot of the reader counters. Diagnostic only.
type Stats struct {
	Packets   uint64
	Metadata  uint64
	Syncs     uint64
	Skipped   uint64
	Bursts    uint64
	Pulses    uint64
	Malformed uint64
	Filtered  uint64
	Desyncs   uint64
	ReadErrs  uint64
	Flushes   uint64
	Batches   uint64
	Discarded uint64 // pulses queued but never emitted
	Dropped   uint64
	Returned  uint64

	StaleDiscards  uint64
	BurstsAttached uint64
	BurstsDropped  uint64

	Outstanding int
	QueuedH     int
	QueuedV     int
	LastSeq     uint64

	State  connectionmgr.State
	Conn   connectionmgr.Stats
	Framer connectionmgr.FramerStats
	Pool   PoolStats
}

type Reader struct {
	cfg    Config
	id     uuid.UUID
	logger logging.Logger
	trace  bool

	mgr    *connectionmgr.Manager
	framer *connectionmgr.Framer
	info   iwrf.OperatingInfo
	asm    *Assembler
	pool   *BufferPool
	ledger *Ledger
	sink   Sink

	lastGen uint64
	closed  bool
	stats   Stats
}

// New builds a Reader. Nothing is dialled until the first Poll.
func New(cfg Config, sink Sink, logger logging.Logger) (*Reader, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, errors.New("tsreader: sink is required")
	}
	cfg = cfg.withDefaults()

	id := uuid.New()
	logger = logging.OrDefault(logger).With(
		logging.Field{Key: "subsystem", Value: "tsreader"},
		logging.Field{Key: "reader", Value: id.String()},
	)

	mgr := connectionmgr.New(cfg.Endpoint, logger)
	mgr.Network = cfg.Network
	mgr.ConnectTimeout = cfg.ConnectTimeout
	mgr.TimeNow = cfg.TimeNow
	if cfg.Dialer != nil {
		mgr.Dialer = cfg.Dialer
	}

	framer := connectionmgr.NewFramer()
	framer.PeekWait = cfg.PeekWait
	framer.ReadTimeout = cfg.ReadTimeout

	pool := NewBufferPool(cfg.PoolSize)
	return &Reader{
		cfg:    cfg,
		id:     id,
		logger: logger,
		trace:  cfg.DebugLevel >= 2,
		mgr:    mgr,
		framer: framer,
		asm:    NewAssembler(cfg.Simultaneous, logger),
		pool:   pool,
		ledger: NewLedger(pool, cfg.HighWater, logger),
		sink:   sink,
	}, nil
}

// ID identifies this reader instance in logs and telemetry.
func (r *Reader) ID() uuid.UUID { return r.id }

// OperatingInfo returns the current metadata snapshot.
func (r *Reader) OperatingInfo() iwrf.OperatingInfo { return r.info }

func (r *Reader) blockSize() int {
	if r.cfg.BlockSize == nil {
		return DefaultBlockSize
	}
	if n := r.cfg.BlockSize(); n > 0 {
		return n
	}
	return DefaultBlockSize
}

// Poll performs one tick: make sure the transport is up, drain every packet
// that is available without waiting longer than the framer timeouts, then
// resolve the queues once and emit every whole block. It returns the number
// of batches the sink accepted.
func (r *Reader) Poll(ctx context.Context) int {
	if r.closed {
		return 0
	}
	if !r.mgr.EnsureConnected(ctx) {
		return 0
	}
	if gen := r.mgr.Generation(); gen != r.lastGen {
		r.lastGen = gen
		r.framer.Reset(r.mgr.Conn())
		r.info.Reset()
		r.asm.Clear()
		r.asm.SetSimultaneous(r.cfg.Simultaneous)
		r.logger.Debug("stream started", logging.Field{Key: "generation", Value: gen})
	}

	for i := 0; i < r.cfg.MaxPacketsPerPoll; i++ {
		if ctx.Err() != nil {
			break
		}
		pkt, err := r.framer.ReadPacket()
		if err == nil {
			err = r.dispatch(pkt)
		}
		if err != nil {
			if !errors.Is(err, connectionmgr.ErrTimeout) {
				r.fail(err)
			}
			break
		}
	}

	n := r.blockSize()
	mode := r.asm.Resolve(n)
	if !mode.Ready() {
		return 0
	}
	return r.flush(mode, n)
}

// fail drops the connection after a desync or read error. The next Poll
// starts from Disconnected.
func (r *Reader) fail(err error) {
	var de *connectionmgr.DesyncError
	if errors.As(err, &de) {
		r.stats.Desyncs++
		r.logger.Warn("stream desynchronised, forcing reconnect",
			logging.Field{Key: "id", Value: fmt.Sprintf("0x%08x", uint32(de.Header.ID))},
			logging.Field{Key: "length", Value: de.Header.Length},
			logging.Field{Key: "err", Value: de.Err})
	} else {
		r.stats.ReadErrs++
	}
	r.mgr.Disconnect(err)
	r.asm.Clear()
}

// dispatch routes one packet. A non-nil error means the stream can no longer
// be trusted and the connection must be dropped.
func (r *Reader) dispatch(pkt iwrf.Packet) error {
	r.stats.Packets++
	kind := pkt.Kind()
	if r.trace {
		r.logger.Trace("packet",
			logging.Field{Key: "id", Value: fmt.Sprintf("0x%08x", uint32(pkt.ID))},
			logging.Field{Key: "kind", Value: kind.String()},
			logging.Field{Key: "length", Value: pkt.Length})
	}

	switch kind {
	case iwrf.KindRadarInfo, iwrf.KindScanSegment, iwrf.KindProcessing:
		if _, err := r.info.Apply(pkt); err != nil {
			r.logger.Warn("bad metadata packet", logging.Field{Key: "kind", Value: kind.String()}, logging.Field{Key: "err", Value: err})
			return nil
		}
		r.stats.Metadata++
		if kind == iwrf.KindProcessing && r.cfg.FollowTransmitMode {
			r.asm.SetSimultaneous(r.cfg.Simultaneous || r.info.Processing.Simultaneous())
		}
	case iwrf.KindBurst:
		b, err := iwrf.DecodeBurst(pkt.Payload)
		if err != nil {
			r.logger.Warn("bad burst packet", logging.Field{Key: "err", Value: err})
			return nil
		}
		r.stats.Bursts++
		r.asm.SetBurst(b)
	case iwrf.KindPulse:
		r.handlePulse(pkt)
	case iwrf.KindSync:
		if err := iwrf.DecodeSync(pkt.Payload); err != nil {
			return &connectionmgr.DesyncError{Header: iwrf.Header{ID: pkt.ID, Length: pkt.Length}, Err: err}
		}
		r.stats.Syncs++
	default:
		r.stats.Skipped++
	}
	return nil
}

func (r *Reader) handlePulse(pkt iwrf.Packet) {
	p, err := iwrf.DecodePulse(pkt.Payload, r.info)
	if err != nil {
		r.stats.Malformed++
		var mp *iwrf.MalformedPulseError
		if errors.As(err, &mp) {
			r.logger.Warn("dropping malformed pulse", logging.Field{Key: "seq", Value: mp.SeqNum}, logging.Field{Key: "reason", Value: mp.Reason})
		} else {
			r.logger.Warn("dropping undecodable pulse", logging.Field{Key: "err", Value: err})
		}
		return
	}
	if r.cfg.FilterRadarID && p.Header.RadarID != r.cfg.RadarID {
		r.stats.Filtered++
		return
	}
	r.stats.Pulses++
	r.asm.Add(p)
}

// flush emits every whole block the queues hold for mode and clears them.
func (r *Reader) flush(mode ChannelMode, n int) int {
	blocks := r.asm.Blocks(mode, n)
	emitted := 0
	for k := 0; k < blocks; k++ {
		hq, vq := r.asm.Block(mode, k, n)
		r.stats.Flushes++
		for _, b := range buildBatches(mode, hq, vq, n, r.pool) {
			b.Handle, b.Seq = r.ledger.Issue(b.IQ)
			if err := r.sink.Emit(b); err != nil {
				r.stats.Dropped++
				if rerr := r.ledger.Release(b.Handle); rerr != nil {
					r.logger.Error("release of refused batch failed", logging.Field{Key: "err", Value: rerr})
				}
				r.logger.Debug("batch dropped", logging.Field{Key: "seq", Value: b.Seq}, logging.Field{Key: "err", Value: err})
				continue
			}
			r.stats.Batches++
			emitted++
		}
	}
	left := r.asm.Consume(mode, blocks, n)
	r.logger.Debug("flush",
		logging.Field{Key: "mode", Value: mode.String()},
		logging.Field{Key: "blockSize", Value: n},
		logging.Field{Key: "blocks", Value: blocks},
		logging.Field{Key: "batches", Value: emitted},
		logging.Field{Key: "discarded", Value: left})
	return emitted
}

// ReturnBatch releases the buffers of an emitted batch. It may be called
// from a consumer goroutine. A handle that is unknown or already returned
// yields a *HandleError.
func (r *Reader) ReturnBatch(h Handle) error {
	return r.ledger.Release(h)
}

// Stats returns a snapshot of the counters. It must be called from the
// goroutine that calls Poll.
func (r *Reader) Stats() Stats {
	s := r.stats
	s.StaleDiscards = r.asm.staleDiscards
	s.Discarded = r.asm.discarded
	s.BurstsAttached = r.asm.burstsAttached
	s.BurstsDropped = r.asm.burstsDropped
	s.Returned = r.ledger.Released()
	s.Outstanding = r.ledger.Outstanding()
	s.LastSeq = r.ledger.LastSeq()
	s.QueuedH, s.QueuedV = r.asm.Counts()
	s.State = r.mgr.State()
	s.Conn = r.mgr.Stats()
	s.Framer = r.framer.Stats()
	s.Pool = r.pool.Stats()
	return s
}

// Close shuts the transport and abandons outstanding batches: their buffers
// stay with the consumer and later returns report a *HandleError.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.asm.Clear()
	if n := r.ledger.Abandon(); n > 0 {
		r.logger.Info("abandoned outstanding batches", logging.Field{Key: "count", Value: n})
	}
	return r.mgr.Close()
}
