package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/home-services-matching/internal/models"
	"github.com/example/home-services-matching/internal/observability"
)

// Notifier is the fire-and-forget contract the matching core depends on.
// Delivery happens after Notify returns and never reports back.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification)
}

// Sink delivers one notification over one channel.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n models.Notification) error
}

// ErrUndeliverable marks failures that retrying cannot fix, such as a user
// with no open session.
var ErrUndeliverable = errors.New("undeliverable")

type Options struct {
	QueueSize     int
	Workers       int
	RetryAttempts int
	RetryDelay    time.Duration
	// DrainTimeout bounds how long Stop waits for queued notifications.
	DrainTimeout  time.Duration
	Logger        *slog.Logger
}

func (o *Options) defaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 200 * time.Millisecond
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Dispatcher queues notifications and fans each one out to every sink from a
// fixed pool of workers. A full queue drops the notification.
type Dispatcher struct {
	opts  Options
	sinks []Sink
	queue chan models.Notification

	stop     chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	now      func() time.Time
}

func NewDispatcher(opts Options, sinks ...Sink) *Dispatcher {
	opts.defaults()
	return &Dispatcher{
		opts:  opts,
		sinks: sinks,
		queue: make(chan models.Notification, opts.QueueSize),
		stop:  make(chan struct{}),
		now:   time.Now,
	}
}

// Start launches the workers. Delivery keeps ctx's values but not its
// cancellation; workers run until Stop.
func (d *Dispatcher) Start(ctx context.Context) {
	dctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.cancel = cancel
	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go d.work(dctx, i+1)
	}
	d.opts.Logger.Info("notification dispatcher started", "workers", d.opts.Workers, "sinks", len(d.sinks))
}

// Stop lets workers drain what is already queued and waits for them. Once
// DrainTimeout passes, in-flight deliveries are cancelled and the rest of the
// queue is flushed without retries.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d.opts.DrainTimeout):
		d.opts.Logger.Warn("notification drain timed out", "queued", len(d.queue))
		d.cancel()
		<-done
	}
	if d.cancel != nil {
		d.cancel()
	}
}

func (d *Dispatcher) Notify(_ context.Context, n models.Notification) {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = d.now()
	}
	select {
	case <-d.stop:
		observability.NotificationsDropped.WithLabelValues("stopped").Inc()
		d.opts.Logger.Warn("notification dropped, dispatcher stopped", "user_id", n.UserID, "type", n.Type)
		return
	default:
	}
	select {
	case d.queue <- n:
		observability.NotificationsQueued.Inc()
	default:
		observability.NotificationsDropped.WithLabelValues("queue_full").Inc()
		d.opts.Logger.Warn("notification dropped, queue full", "user_id", n.UserID, "type", n.Type)
	}
}

func (d *Dispatcher) work(ctx context.Context, id int) {
	defer d.wg.Done()
	for {
		select {
		case n := <-d.queue:
			d.deliver(ctx, n)
		case <-d.stop:
			for {
				select {
				case n := <-d.queue:
					d.deliver(ctx, n)
				default:
					d.opts.Logger.Debug("dispatch worker stopped", "worker", id)
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n models.Notification) {
	for _, s := range d.sinks {
		err := deliverWithRetry(ctx, s, n, d.opts.RetryAttempts, d.opts.RetryDelay)
		switch {
		case err == nil:
			observability.NotificationsDelivered.WithLabelValues(s.Name()).Inc()
		case errors.Is(err, ErrUndeliverable):
			d.opts.Logger.Debug("notification skipped", "sink", s.Name(), "user_id", n.UserID, "type", n.Type, "err", err)
		default:
			observability.NotificationsFailed.WithLabelValues(s.Name()).Inc()
			d.opts.Logger.Warn("notification delivery failed", "sink", s.Name(), "user_id", n.UserID, "type", n.Type, "err", err)
		}
	}
}

// deliverWithRetry calls the sink up to attempts times, doubling delay
// between tries. Undeliverable errors are returned at once.
func deliverWithRetry(ctx context.Context, s Sink, n models.Notification, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = s.Deliver(ctx, n); err == nil || errors.Is(err, ErrUndeliverable) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}
