package progress

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/iago/media-jobs-back/internal/cache"
	"github.com/iago/media-jobs-back/internal/domain"
	"github.com/iago/media-jobs-back/internal/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var (
	progressWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "media_jobs_progress_writes_total",
		Help: "Persisted progress writes by result.",
	}, []string{"result"})
	progressEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "media_jobs_progress_events_total",
		Help: "Published job events by type.",
	}, []string{"type"})
)

// Store persists progress; it must refuse writes for jobs that are no longer
// processing or that would move progress backwards.
type Store interface {
	UpdateProgress(ctx context.Context, id string, progress int, at time.Time) (bool, error)
}

// Indicator is the live, in-memory view of a job's progress.
type Indicator struct {
	JobID     string              `json:"job_id"`
	Progress  float64             `json:"progress"`
	Mode      domain.ProgressMode `json:"mode"`
	Status    domain.JobStatus    `json:"status"`
	UpdatedAt time.Time           `json:"updated_at"`
}

type Config struct {
	WriteRPS          float64
	SimulatedInterval time.Duration
	WriteTimeout      time.Duration
	IndicatorTTL      time.Duration
	Logger            *slog.Logger
}

type Relay struct {
	store      Store
	publisher  events.Publisher
	writeRPS   float64
	interval   time.Duration
	timeout    time.Duration
	logger     *slog.Logger
	now        func() time.Time
	random     func() float64
	indicators *cache.TTL[string, Indicator]
}

func NewRelay(store Store, publisher events.Publisher, config Config) *Relay {
	if config.SimulatedInterval <= 0 {
		config.SimulatedInterval = 500 * time.Millisecond
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}
	if config.IndicatorTTL <= 0 {
		config.IndicatorTTL = time.Hour
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Relay{
		store:     store,
		publisher: publisher,
		writeRPS:  config.WriteRPS,
		interval:  config.SimulatedInterval,
		timeout:   config.WriteTimeout,
		logger:    config.Logger.With("component", "progress"),
		now:       func() time.Time { return time.Now().UTC() },
		random:    randomFloat,
		indicators: cache.NewTTL[string, Indicator](cache.Config{
			Name:       "progress_indicators",
			TTL:        config.IndicatorTTL,
			MaxEntries: 10000,
		}),
	}
}

// Begin starts relaying progress for jobID. Simulated reporters drive
// themselves from a ticker and are never persisted.
func (r *Relay) Begin(jobID string, mode domain.ProgressMode) *Reporter {
	if mode != domain.ProgressSimulated {
		mode = domain.ProgressObserved
	}
	limit := rate.Inf
	if r.writeRPS > 0 {
		limit = rate.Limit(r.writeRPS)
	}
	ctx, cancel := context.WithCancel(context.Background())

	reporter := &Reporter{
		relay:         r,
		jobID:         jobID,
		mode:          mode,
		limiter:       rate.NewLimiter(limit, 1),
		signal:        make(chan struct{}, 1),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
		lastPersisted: -1,
	}
	r.setIndicator(Indicator{JobID: jobID, Mode: mode, Status: domain.JobStatusProcessing})

	go reporter.run()
	if mode == domain.ProgressSimulated {
		go reporter.simulate(r.interval)
	}
	return reporter
}

func (r *Relay) Snapshot(jobID string) (Indicator, bool) {
	return r.indicators.Get(jobID)
}

// Settle records a job's terminal or externally changed state on the
// indicator and publishes a status event.
func (r *Relay) Settle(ctx context.Context, job *domain.Job, message string) {
	if job == nil {
		return
	}
	indicator, ok := r.indicators.Get(job.ID)
	if !ok {
		indicator = Indicator{JobID: job.ID, Mode: domain.ProgressObserved}
	}
	indicator.Progress = float64(job.Progress)
	indicator.Status = job.Status
	r.setIndicator(indicator)

	r.publish(ctx, events.Event{
		JobID:    job.ID,
		Type:     events.TypeStatus,
		Progress: float64(job.Progress),
		Mode:     indicator.Mode,
		Status:   job.Status,
		Message:  message,
	})
}

func (r *Relay) setIndicator(indicator Indicator) {
	indicator.UpdatedAt = r.now()
	r.indicators.Set(indicator.JobID, indicator)
}

func (r *Relay) publish(ctx context.Context, event events.Event) {
	if r.publisher == nil {
		return
	}
	if event.At.IsZero() {
		event.At = r.now()
	}
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	if err := r.publisher.Publish(publishCtx, event); err != nil {
		r.logger.Warn("publish job event failed", "job_id", event.JobID, "type", event.Type, "error", err)
		return
	}
	progressEventsTotal.WithLabelValues(string(event.Type)).Inc()
}

// Reporter relays one job's progress. Report never blocks; a single writer
// goroutine publishes and persists the latest value.
type Reporter struct {
	relay   *Relay
	jobID   string
	mode    domain.ProgressMode
	limiter *rate.Limiter
	signal  chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once

	mu            sync.Mutex
	finished      bool
	current       float64
	latest        float64
	dirty         bool
	lastPersisted int
}

func (p *Reporter) Mode() domain.ProgressMode {
	return p.mode
}

// Report accepts a percentage in [0,100]. Values are clamped, the indicator
// never moves backwards, and reports after Finish are discarded.
func (p *Reporter) Report(percent float64) {
	if math.IsNaN(percent) {
		return
	}
	percent = math.Max(0, math.Min(100, percent))

	p.mu.Lock()
	if p.finished || percent < p.current {
		p.mu.Unlock()
		return
	}
	p.current = percent
	p.latest = percent
	p.dirty = true
	p.relay.setIndicator(Indicator{
		JobID:    p.jobID,
		Progress: percent,
		Mode:     p.mode,
		Status:   domain.JobStatusProcessing,
	})
	p.mu.Unlock()

	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// Finish stops the writer, waits for an in-flight write and then runs the
// terminal write. It is safe to call more than once; only the first call
// runs terminal.
func (p *Reporter) Finish(ctx context.Context, terminal func(context.Context) error) error {
	var err error
	p.once.Do(func() {
		p.mu.Lock()
		p.finished = true
		p.mu.Unlock()

		p.cancel()
		<-p.done
		if terminal != nil {
			err = terminal(ctx)
		}
	})
	return err
}

func (p *Reporter) run() {
	defer close(p.done)
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.signal:
		}
		if err := p.limiter.Wait(p.ctx); err != nil {
			return
		}
		value, ok := p.takeLatest()
		if !ok {
			continue
		}
		p.flush(value)
	}
}

func (p *Reporter) takeLatest() (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.dirty {
		return 0, false
	}
	p.dirty = false
	return p.latest, true
}

func (p *Reporter) flush(value float64) {
	p.relay.publish(context.Background(), events.Event{
		JobID:    p.jobID,
		Type:     events.TypeProgress,
		Progress: value,
		Mode:     p.mode,
		Status:   domain.JobStatusProcessing,
	})
	if p.mode != domain.ProgressObserved || p.relay.store == nil {
		return
	}

	percent := int(math.Floor(value))
	if percent <= p.lastPersisted {
		return
	}
	writeCtx, cancel := context.WithTimeout(context.Background(), p.relay.timeout)
	defer cancel()
	applied, err := p.relay.store.UpdateProgress(writeCtx, p.jobID, percent, p.relay.now())
	switch {
	case err != nil:
		progressWritesTotal.WithLabelValues("error").Inc()
		p.relay.logger.Warn("persist progress failed", "job_id", p.jobID, "progress", percent, "error", err)
	case applied:
		progressWritesTotal.WithLabelValues("applied").Inc()
		p.lastPersisted = percent
	default:
		progressWritesTotal.WithLabelValues("skipped").Inc()
	}
}
