package archive

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"garden-hub/internal/clock"
	"garden-hub/internal/events"
	"garden-hub/internal/metrics"
)

// Row is one archived snapshot.
type Row struct {
	Timestamp   time.Time
	Serial      string
	GardenID    string
	Temperature float64
	Humidity    float64
	Light       float64
	Soil        float64
	Fan         bool
	LightOn     bool
	Pump        bool
	Auto        bool
}

// values is the column order of the archive table.
func (r Row) values() []any {
	return []any{r.Timestamp, r.Serial, r.GardenID, r.Temperature, r.Humidity,
		r.Light, r.Soil, r.Fan, r.LightOn, r.Pump, r.Auto}
}

// rowFromEvent maps a sensor_data event. Anything else is rejected.
func rowFromEvent(ev events.Event) (Row, bool) {
	if ev.Type != events.SensorData {
		return Row{}, false
	}
	p, ok := ev.Data.(events.SensorPayload)
	if !ok || p.Snapshot == nil {
		return Row{}, false
	}
	s := p.Snapshot
	return Row{
		Timestamp:   s.Timestamp.UTC(),
		Serial:      ev.DeviceID,
		GardenID:    s.GardenID,
		Temperature: s.Temperature,
		Humidity:    s.Humidity,
		Light:       s.Light,
		Soil:        s.Soil,
		Fan:         s.Fan,
		LightOn:     s.LightOn,
		Pump:        s.Pump,
		Auto:        s.AutoMode,
	}, true
}

// Option configures a Sink.
type Option func(*Sink)

func WithClock(c clock.Clock) Option { return func(s *Sink) { s.clock = c } }

func WithMetrics(m *metrics.Client) Option { return func(s *Sink) { s.metrics = m } }

// Sink buffers sensor_data events and writes them in batches, on size or
// on interval, whichever comes first. A nil *Sink is a disabled archive.
type Sink struct {
	writer    batchWriter
	clock     clock.Clock
	metrics   *metrics.Client
	logger    *slog.Logger
	batchSize int
	interval  time.Duration

	rows  chan Row
	unsub func()
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// Open connects to ClickHouse. It returns nil, nil when cfg.Addr is empty.
func Open(ctx context.Context, cfg Config, logger *slog.Logger, opts ...Option) (*Sink, error) {
	logger = logger.With("component", "archive")
	if cfg.Addr == "" {
		logger.Info("archive disabled")
		return nil, nil
	}
	cfg.applyDefaults()
	w, err := dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("connected to clickhouse", "addr", cfg.Addr, "table", cfg.Table)
	return newSink(w, cfg, logger, opts...), nil
}

func newSink(w batchWriter, cfg Config, logger *slog.Logger, opts ...Option) *Sink {
	cfg.applyDefaults()
	s := &Sink{
		writer:    w,
		clock:     clock.Real(),
		logger:    logger,
		batchSize: cfg.BatchSize,
		interval:  cfg.FlushInterval,
		rows:      make(chan Row, cfg.BatchSize*4),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start subscribes to sensor_data and launches the flush loop.
func (s *Sink) Start(bus *events.Bus) {
	if s == nil {
		return
	}
	ticker := s.clock.NewTicker(s.interval)
	go s.run(ticker)
	s.unsub = bus.On(events.SensorData, s.enqueue)
}

// enqueue never blocks the bus. A full buffer drops the row.
func (s *Sink) enqueue(ev events.Event) {
	row, ok := rowFromEvent(ev)
	if !ok {
		return
	}
	select {
	case s.rows <- row:
	default:
		s.metrics.Incr("archive.dropped")
		s.logger.Warn("archive buffer full, dropping snapshot", "serial", ev.DeviceID)
	}
}

func (s *Sink) run(ticker *clock.Ticker) {
	defer close(s.done)
	defer ticker.Stop()

	buf := make([]Row, 0, s.batchSize)
	for {
		select {
		case row := <-s.rows:
			buf = append(buf, row)
			if len(buf) >= s.batchSize {
				buf = s.flush(buf)
			}
		case <-ticker.C:
			buf = s.flush(buf)
		case <-s.stop:
			// Drain what was queued before the unsubscribe.
			for {
				select {
				case row := <-s.rows:
					buf = append(buf, row)
				default:
					s.flush(buf)
					return
				}
			}
		}
	}
}

// flush writes buf and returns it emptied. A failed batch is dropped.
func (s *Sink) flush(buf []Row) []Row {
	if len(buf) == 0 {
		return buf
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.writer.Write(ctx, buf); err != nil {
		s.metrics.Incr("archive.failed")
		s.logger.Error("archive batch failed", "rows", len(buf), "err", err)
	} else {
		s.metrics.Incr("archive.flushed")
		s.logger.Debug("archive batch written", "rows", len(buf))
	}
	return buf[:0]
}

// Stop unsubscribes, flushes what is buffered and closes the connection.
func (s *Sink) Stop() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.unsub != nil {
			s.unsub()
			close(s.stop)
			<-s.done
		}
		if err := s.writer.Close(); err != nil {
			s.logger.Warn("archive close", "err", err)
		}
		s.logger.Info("archive stopped")
	})
}
