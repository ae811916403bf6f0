package telemetry

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rjboer/GoAScope/internal/logging"
	"github.com/rjboer/GoAScope/internal/tsreader"
)

// Config represents the runtime configuration exposed by the telemetry hub.
// BlockSize is read by the reader once per poll, so an update takes effect
// on the next tick.
type Config struct {
	BlockSize    int `json:"blockSize"`
	HistoryLimit int `json:"historyLimit"`
}

const (
	minBlockSize    = 1
	maxBlockSize    = 65_536
	minHistoryLimit = 1
	maxHistoryLimit = 10_000
)

func defaultConfig() Config {
	return Config{
		BlockSize:    tsreader.DefaultBlockSize,
		HistoryLimit: 500,
	}
}

func validateConfig(cfg Config, base Config) (Config, error) {
	if base.BlockSize == 0 || base.HistoryLimit == 0 {
		base = defaultConfig()
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = base.BlockSize
	}
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = base.HistoryLimit
	}

	if cfg.BlockSize < minBlockSize || cfg.BlockSize > maxBlockSize {
		return Config{}, fmt.Errorf("block size must be between %d and %d", minBlockSize, maxBlockSize)
	}
	if cfg.HistoryLimit < minHistoryLimit || cfg.HistoryLimit > maxHistoryLimit {
		return Config{}, fmt.Errorf("history limit must be between %d and %d", minHistoryLimit, maxHistoryLimit)
	}
	return cfg, nil
}

// BatchSummary describes one emitted batch without its samples.
type BatchSummary struct {
	Timestamp    time.Time `json:"timestamp"`
	Seq          uint64    `json:"seq"`
	ChannelID    int       `json:"channelId"`
	Mode         string    `json:"mode"`
	Gates        int       `json:"gates"`
	Pulses       int       `json:"pulses"`
	SampleRateHz float64   `json:"sampleRateHz"`
}

// Summarize extracts the reportable fields of a batch.
func Summarize(b tsreader.Batch) BatchSummary {
	return BatchSummary{
		Timestamp:    time.Now(),
		Seq:          b.Seq,
		ChannelID:    b.ChannelID,
		Mode:         b.Mode.String(),
		Gates:        b.Gates,
		Pulses:       len(b.IQ),
		SampleRateHz: b.SampleRateHz,
	}
}

// Status is the latest reader state published by the poll loop.
type Status struct {
	ReaderID  string         `json:"readerId"`
	Endpoint  string         `json:"endpoint"`
	State     string         `json:"state"`
	Radar     string         `json:"radar,omitempty"`
	Site      string         `json:"site,omitempty"`
	PrtSec    float32        `json:"prtSec,omitempty"`
	Stats     tsreader.Stats `json:"stats"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// ProcessInfo reports runtime health of the process.
type ProcessInfo struct {
	NumGoroutine int     `json:"numGoroutine"`
	HeapAlloc    uint64  `json:"heapAlloc"`
	Uptime       float64 `json:"uptimeSeconds"`
}

// HealthStatus summarises whether batches are flowing.
type HealthStatus struct {
	Status        string      `json:"status"`
	Connected     bool        `json:"connected"`
	LastBatchAgeS float64     `json:"lastBatchAgeSeconds,omitempty"`
	Process       ProcessInfo `json:"process"`
}

// staleAfter is how long without a batch before a connected reader is
// reported as degraded.
const staleAfter = 5 * time.Second

// Reporter captures reader events.
type Reporter interface {
	ReportBatch(b BatchSummary)
	ReportStatus(s Status)
}

// Hub collects history and fan-outs telemetry updates to subscribers.
type Hub struct {
	mu           sync.RWMutex
	history      []BatchSummary
	historyLimit int
	subscribers  map[chan BatchSummary]struct{}
	config       Config
	status       Status
	lastBatch    time.Time
	started      time.Time
	logger       logging.Logger
}

// NewHub builds a telemetry hub with the provided history limit.
func NewHub(historyLimit int, logger logging.Logger) *Hub {
	cfg := defaultConfig()
	if historyLimit > 0 {
		cfg.HistoryLimit = historyLimit
	}
	cfg, err := validateConfig(cfg, defaultConfig())
	if err != nil {
		cfg = defaultConfig()
	}
	return &Hub{
		historyLimit: cfg.HistoryLimit,
		subscribers:  make(map[chan BatchSummary]struct{}),
		config:       cfg,
		started:      time.Now(),
		logger:       logging.OrDefault(logger).With(logging.Field{Key: "subsystem", Value: "telemetry"}),
	}
}

// ReportBatch implements Reporter and records a batch summary.
func (h *Hub) ReportBatch(b BatchSummary) {
	h.mu.Lock()
	h.history = append(h.history, b)
	if len(h.history) > h.historyLimit {
		h.history = h.history[len(h.history)-h.historyLimit:]
	}
	h.lastBatch = b.Timestamp
	for ch := range h.subscribers {
		select {
		case ch <- b:
		default:
		}
	}
	h.mu.Unlock()
}

// ReportStatus implements Reporter and replaces the published status.
func (h *Hub) ReportStatus(s Status) {
	h.mu.Lock()
	h.status = s
	h.mu.Unlock()
}

// History returns a copy of stored batch summaries.
func (h *Hub) History() []BatchSummary {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]BatchSummary, len(h.history))
	copy(out, h.history)
	return out
}

// StatusSnapshot returns the latest published status.
func (h *Hub) StatusSnapshot() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// ConfigSnapshot returns the latest validated configuration.
func (h *Hub) ConfigSnapshot() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// BlockSize is a tsreader block-size provider backed by the hub config.
func (h *Hub) BlockSize() int {
	return h.ConfigSnapshot().BlockSize
}

// SetBlockSize validates and applies a new block size.
func (h *Hub) SetBlockSize(n int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	cfg, err := validateConfig(Config{BlockSize: n}, h.config)
	if err != nil {
		return err
	}
	h.applyConfig(cfg)
	return nil
}

// Subscribe registers a listener for live updates.
func (h *Hub) Subscribe() (chan BatchSummary, func()) {
	ch := make(chan BatchSummary, 16)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, ch)
			close(ch)
			h.mu.Unlock()
		})
	}
	return ch, cancel
}

// MultiReporter fans out telemetry to multiple destinations.
type MultiReporter []Reporter

func (m MultiReporter) ReportBatch(b BatchSummary) {
	for _, r := range m {
		if r != nil {
			r.ReportBatch(b)
		}
	}
}

func (m MultiReporter) ReportStatus(s Status) {
	for _, r := range m {
		if r != nil {
			r.ReportStatus(s)
		}
	}
}

func (h *Hub) applyConfig(cfg Config) {
	h.config = cfg
	h.historyLimit = cfg.HistoryLimit
	if len(h.history) > h.historyLimit {
		h.history = h.history[len(h.history)-h.historyLimit:]
	}
}

func (h *Hub) processInfo() ProcessInfo {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ProcessInfo{
		NumGoroutine: runtime.NumGoroutine(),
		HeapAlloc:    ms.HeapAlloc,
		Uptime:       time.Since(h.started).Seconds(),
	}
}

func (h *Hub) health() HealthStatus {
	h.mu.RLock()
	status, last := h.status, h.lastBatch
	h.mu.RUnlock()

	hs := HealthStatus{Process: h.processInfo(), Connected: status.State == "connected"}
	switch {
	case !hs.Connected:
		hs.Status = "down"
	case last.IsZero() || time.Since(last) > staleAfter:
		hs.Status = "degraded"
	default:
		hs.Status = "ok"
	}
	if !last.IsZero() {
		hs.LastBatchAgeS = time.Since(last).Seconds()
	}
	return hs
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Hub) handleHistory(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.History())
}

func (h *Hub) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, h.StatusSnapshot())
}

func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, h.health())
}

func (h *Hub) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.ConfigSnapshot())
}

func (h *Hub) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var incoming Config
	if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
		http.Error(w, fmt.Sprintf("invalid config payload: %v", err), http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	cfg, err := validateConfig(incoming, h.config)
	if err == nil {
		h.applyConfig(cfg)
	}
	h.mu.Unlock()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.logger.Info("config updated",
		logging.Field{Key: "blockSize", Value: cfg.BlockSize},
		logging.Field{Key: "historyLimit", Value: cfg.HistoryLimit})
	writeJSON(w, cfg)
}

func (h *Hub) handleLive(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := h.Subscribe()
	defer cancel()

	// send existing history for immediate display
	for _, b := range h.History() {
		writeEvent(w, b)
	}
	flusher.Flush()

	for {
		select {
		case b, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, b)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, b BatchSummary) {
	payload, _ := json.Marshal(b)
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(payload)
	_, _ = w.Write([]byte("\n\n"))
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsWriteTimeout bounds a single websocket frame write.
const wsWriteTimeout = 2 * time.Second

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	ch, cancel := h.Subscribe()
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", logging.Field{Key: "err", Value: err})
		return
	}
	defer conn.Close()

	// The reader goroutine only exists to notice the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(b BatchSummary) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(b) == nil
	}
	for _, b := range h.History() {
		if !send(b) {
			return
		}
	}
	for {
		select {
		case b, ok := <-ch:
			if !ok || !send(b) {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}
