package telemetry

import (
	"time"

	"github.com/rjboer/GoAScope/internal/iwrf"
	"github.com/rjboer/GoAScope/internal/logging"
	"github.com/rjboer/GoAScope/internal/tsreader"
)

// NewStatus assembles a Status from the reader's current view.
func NewStatus(readerID, endpoint string, info iwrf.OperatingInfo, st tsreader.Stats) Status {
	s := Status{
		ReaderID:  readerID,
		Endpoint:  endpoint,
		State:     st.State.String(),
		Stats:     st,
		UpdatedAt: time.Now(),
	}
	if info.HasRadarInfo {
		s.Radar = info.RadarInfo.RadarName
		s.Site = info.RadarInfo.SiteName
	}
	if info.HasProcessing {
		s.PrtSec = info.Processing.PrtSec
	}
	return s
}

// StdoutReporter logs batches and status changes.
type StdoutReporter struct {
	logger logging.Logger
	last   *string
}

// NewStdoutReporter builds a stdout reporter with the provided logger.
func NewStdoutReporter(logger logging.Logger) StdoutReporter {
	return StdoutReporter{
		logger: logging.OrDefault(logger).With(logging.Field{Key: "subsystem", Value: "telemetry"}),
		last:   new(string),
	}
}

// ReportBatch logs every batch at debug level; at 50 Hz anything louder
// drowns the terminal.
func (r StdoutReporter) ReportBatch(b BatchSummary) {
	if !r.logger.Enabled(logging.Debug) {
		return
	}
	r.logger.Debug("batch",
		logging.Field{Key: "seq", Value: b.Seq},
		logging.Field{Key: "channel", Value: b.ChannelID},
		logging.Field{Key: "mode", Value: b.Mode},
		logging.Field{Key: "pulses", Value: b.Pulses},
		logging.Field{Key: "gates", Value: b.Gates},
	)
}

// ReportStatus logs only when the connection state changes.
func (r StdoutReporter) ReportStatus(s Status) {
	if s.State == *r.last {
		return
	}
	*r.last = s.State
	fields := []logging.Field{
		{Key: "state", Value: s.State},
		{Key: "endpoint", Value: s.Endpoint},
	}
	if s.Radar != "" {
		fields = append(fields, logging.Field{Key: "radar", Value: s.Radar})
	}
	r.logger.Info("reader state", fields...)
}
