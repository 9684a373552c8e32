// Package reconcile diffs registry snapshots against the version store,
// applies them in bounded batches and rolls them back in LIFO order.
package reconcile

import (
	"context"
	"time"

	"github.com/rpattn/regsync/internal/archive"
	"github.com/rpattn/regsync/internal/domain"
	"github.com/rpattn/regsync/internal/logging"
	"github.com/rpattn/regsync/internal/repository"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultBatchSize bounds the rows written per update or delete transaction.
	DefaultBatchSize = 100
	// DefaultInsertSample bounds the insert items returned by Simulate.
	DefaultInsertSample = 10
)

var tracer = otel.Tracer("regsync.reconcile")

// Service is the reconciliation engine.
type Service struct {
	store        repository.VersionStore
	sink         archive.Sink
	log          logrus.FieldLogger
	batchSize    int
	insertSample int
	now          func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithLogger sets the fallback logger. A logger carried in the request
// context takes precedence.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithBatchSize sets the number of rows per update or delete batch.
func WithBatchSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithInsertSample sets how many insert items Simulate returns.
func WithInsertSample(n int) Option {
	return func(s *Service) {
		if n >= 0 {
			s.insertSample = n
		}
	}
}

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates a reconciliation engine over store. sink receives the
// raw bytes of every applied upload.
func NewService(store repository.VersionStore, sink archive.Sink, opts ...Option) *Service {
	s := &Service{
		store:        store,
		sink:         sink,
		log:          logrus.StandardLogger(),
		batchSize:    DefaultBatchSize,
		insertSample: DefaultInsertSample,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) logger(ctx context.Context) logrus.FieldLogger {
	return logging.FromContext(ctx, s.log)
}

// timestamp truncates to microseconds, the precision Postgres keeps.
func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// endSpan records err on span and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(domain.KindOf(err)))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
