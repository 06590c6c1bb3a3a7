package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Sentinel-Gate/posguard/internal/domain/securitylog"
)

// ForwardService delivers critical security events to remote sinks with a
// buffered channel and a background worker, so that logging never waits on
// the network.
type ForwardService struct {
	sinks         []securitylog.Sink
	events        chan securitylog.Event
	logger        *slog.Logger
	batchSize     int
	flushInterval time.Duration
	sendTimeout   time.Duration
	sinkTimeout   time.Duration

	channelSize int
	dropCount   atomic.Int64
	failCount   atomic.Int64

	warningThreshold int
	lastWarning      atomic.Int64

	dropped  prometheus.Counter
	failures *prometheus.CounterVec

	// closeMu keeps Forward from sending on a closed channel.
	closeMu  sync.RWMutex
	closed   bool
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ securitylog.Forwarder = (*ForwardService)(nil)

// ForwardOption configures ForwardService.
type ForwardOption func(*ForwardService)

// WithBatchSize sets the number of events collected before a flush.
func WithBatchSize(size int) ForwardOption {
	return func(s *ForwardService) {
		if size > 0 {
			s.batchSize = size
		}
	}
}

// WithFlushInterval sets the interval to flush pending events.
func WithFlushInterval(interval time.Duration) ForwardOption {
	return func(s *ForwardService) {
		if interval > 0 {
			s.flushInterval = interval
		}
	}
}

// WithChannelSize sets the size of the event buffer.
func WithChannelSize(size int) ForwardOption {
	return func(s *ForwardService) {
		if size > 0 {
			s.events = make(chan securitylog.Event, size)
			s.channelSize = size
		}
	}
}

// WithSendTimeout sets the backpressure timeout.
// 0 drops immediately when the buffer is full.
func WithSendTimeout(timeout time.Duration) ForwardOption {
	return func(s *ForwardService) {
		s.sendTimeout = timeout
	}
}

// WithSinkTimeout bounds a single Send call.
func WithSinkTimeout(timeout time.Duration) ForwardOption {
	return func(s *ForwardService) {
		if timeout > 0 {
			s.sinkTimeout = timeout
		}
	}
}

// WithWarningThreshold sets the buffer depth warning percentage (0-100).
func WithWarningThreshold(percent int) ForwardOption {
	return func(s *ForwardService) {
		s.warningThreshold = min(max(percent, 0), 100)
	}
}

// WithForwardMetrics registers drop and failure counters on reg.
func WithForwardMetrics(reg prometheus.Registerer) ForwardOption {
	return func(s *ForwardService) {
		factory := promauto.With(reg)
		s.dropped = factory.NewCounter(prometheus.CounterOpts{
			Namespace: "posguard",
			Subsystem: "forward",
			Name:      "dropped_total",
			Help:      "Security events dropped because the forward buffer was full.",
		})
		s.failures = factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "posguard",
			Subsystem: "forward",
			Name:      "failures_total",
			Help:      "Security events a sink failed to accept.",
		}, []string{"kind"})
	}
}

// NewForwardService creates a ForwardService that fans events out to sinks.
func NewForwardService(sinks []securitylog.Sink, logger *slog.Logger, opts ...ForwardOption) *ForwardService {
	if logger == nil {
		logger = slog.Default()
	}
	const defaultChannelSize = 500
	s := &ForwardService{
		sinks:            sinks,
		events:           make(chan securitylog.Event, defaultChannelSize),
		logger:           logger,
		batchSize:        20,
		flushInterval:    time.Second,
		sendTimeout:      50 * time.Millisecond,
		sinkTimeout:      5 * time.Second,
		channelSize:      defaultChannelSize,
		warningThreshold: 80,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the background worker.
func (s *ForwardService) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.worker(ctx)
}

// Forward queues ev for delivery. It never blocks longer than the send
// timeout; events that do not fit are dropped and counted.
func (s *ForwardService) Forward(ev securitylog.Event) {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		s.recordDrop(ev)
		return
	}

	if s.warningThreshold > 0 {
		depth := len(s.events)
		if depth >= s.channelSize*s.warningThreshold/100 {
			s.warnChannelDepth(depth)
		}
	}

	select {
	case s.events <- ev:
		return
	default:
	}

	if s.sendTimeout <= 0 {
		s.recordDrop(ev)
		return
	}

	timer := time.NewTimer(s.sendTimeout)
	defer timer.Stop()
	select {
	case s.events <- ev:
	case <-timer.C:
		s.recordDrop(ev)
	}
}

func (s *ForwardService) recordDrop(ev securitylog.Event) {
	drops := s.dropCount.Add(1)
	if s.dropped != nil {
		s.dropped.Inc()
	}
	s.logger.Warn("security event dropped",
		"kind", ev.Kind(),
		"total_drops", drops,
	)
}

// warnChannelDepth logs at most once per second.
func (s *ForwardService) warnChannelDepth(depth int) {
	now := time.Now().UnixNano()
	last := s.lastWarning.Load()
	if now-last < int64(time.Second) {
		return
	}
	if s.lastWarning.CompareAndSwap(last, now) {
		s.logger.Warn("forward buffer approaching capacity",
			"depth", depth,
			"capacity", s.channelSize,
			"percent", depth*100/s.channelSize,
		)
	}
}

// DroppedEvents returns the number of events dropped so far.
func (s *ForwardService) DroppedEvents() int64 {
	return s.dropCount.Load()
}

// FailedDeliveries returns the number of sink sends that failed.
func (s *ForwardService) FailedDeliveries() int64 {
	return s.failCount.Load()
}

// ChannelDepth returns current buffer usage.
func (s *ForwardService) ChannelDepth() int {
	return len(s.events)
}

// ChannelCapacity returns the buffer size.
func (s *ForwardService) ChannelCapacity() int {
	return s.channelSize
}

// Stop closes the buffer and waits for pending events to be delivered.
// It is safe to call more than once.
func (s *ForwardService) Stop() {
	s.stopOnce.Do(func() {
		s.closeMu.Lock()
		s.closed = true
		close(s.events)
		s.closeMu.Unlock()
	})
	s.wg.Wait()
}

func (s *ForwardService) worker(ctx context.Context) {
	defer s.wg.Done()

	batch := make([]securitylog.Event, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				s.finalFlush(batch)
				return
			}
			batch = append(batch, ev)
			if len(batch) >= s.batchSize {
				s.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			for ev := range s.events {
				batch = append(batch, ev)
			}
			s.finalFlush(batch)
			return
		}
	}
}

func (s *ForwardService) finalFlush(batch []securitylog.Event) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.flush(ctx, batch)
}

// flush delivers a batch to every sink. Failures are logged and counted,
// never propagated.
func (s *ForwardService) flush(ctx context.Context, batch []securitylog.Event) {
	for _, sink := range s.sinks {
		for _, ev := range batch {
			sendCtx, cancel := context.WithTimeout(ctx, s.sinkTimeout)
			err := sink.Send(sendCtx, ev)
			cancel()
			if err == nil {
				continue
			}
			s.failCount.Add(1)
			if s.failures != nil {
				s.failures.WithLabelValues(ev.Kind()).Inc()
			}
			s.logger.Error("failed to forward security event",
				"kind", ev.Kind(),
				"error", err,
			)
		}
	}
}
