package service

import (
	"log/slog"
	"time"

	"github.com/Shivanand-hulikatti/campus-event-pass/internal/config"
	"github.com/Shivanand-hulikatti/campus-event-pass/internal/feed"
	"github.com/Shivanand-hulikatti/campus-event-pass/internal/metrics"
	"github.com/Shivanand-hulikatti/campus-event-pass/internal/notify"
)

type options struct {
	publisher feed.Publisher
	notifier  notify.Notifier
	log       *slog.Logger
	metrics   *metrics.Metrics
	retry     config.StoreRetry
	now       func() time.Time
}

func defaultOptions() options {
	return options{
		publisher: feed.NewHub(),
		notifier:  notify.Nop{},
		log:       slog.Default(),
		retry:     config.StoreRetry{MaxTries: 4, MaxElapsed: 5 * time.Second},
		now:       time.Now,
	}
}

// Option configures the services.
type Option func(*options)

// WithPublisher sets where committed changes are announced.
func WithPublisher(p feed.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithNotifier sets where registration lifecycle messages are sent.
func WithNotifier(n notify.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithMetrics sets the collectors operations report to. Nil disables metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithRetry bounds retries of infrastructure failures.
func WithRetry(r config.StoreRetry) Option {
	return func(o *options) { o.retry = r }
}

// WithClock overrides the wall clock used for check-in timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}
