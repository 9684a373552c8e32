package ingestion

import (
	"context"
	"time"

	"github.com/rpattn/regsync/internal/domain"
	"github.com/rpattn/regsync/internal/repository"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

// Request is one uploaded snapshot file.
type Request struct {
	FileName string
	Label    string
	Data     []byte
}

// Snapshot is a validated snapshot file. Payload is kept for archiving.
type Snapshot struct {
	FileName string                  `json:"fileName"`
	Label    string                  `json:"label"`
	Payload  []byte                  `json:"-"`
	Records  []domain.IncomingRecord `json:"records"`
}

// Service turns raw snapshot files into validated records.
type Service struct {
	validate *validator.Validate
	logRepo  repository.IngestionLogRepository
	log      logrus.FieldLogger
	now      func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithLogger sets the logger used for rejections.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithClock overrides the clock used to reject future birth dates.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates a new ingestion service. logRepo may be nil.
func NewService(logRepo repository.IngestionLogRepository, opts ...Option) *Service {
	s := &Service{
		validate: newValidator(),
		logRepo:  logRepo,
		log:      logrus.StandardLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Validate parses raw and returns its rows in file order, or the first
// header-level or row-level rejection.
func (s *Service) Validate(fileName string, raw []byte) ([]domain.IncomingRecord, error) {
	if len(raw) == 0 {
		return nil, domain.NewError(domain.KindValidation, nil, "file %s is empty", fileName)
	}

	table, err := parseTable(fileName, raw)
	if err != nil {
		return nil, domain.NewError(domain.KindValidation, err, "cannot read %s", fileName)
	}

	columns, err := mapHeaders(table)
	if err != nil {
		return nil, err
	}

	return convertRows(s.validate, table, columns, s.now())
}

// Parse validates req and records any rejection in the ingestion log.
func (s *Service) Parse(ctx context.Context, req Request) (Snapshot, error) {
	records, err := s.Validate(req.FileName, req.Data)
	if err != nil {
		s.logIngestionError(ctx, req, err)
		return Snapshot{}, err
	}

	s.log.WithFields(logrus.Fields{
		"file":  req.FileName,
		"label": req.Label,
		"rows":  len(records),
	}).Info("validated snapshot")

	return Snapshot{
		FileName: req.FileName,
		Label:    req.Label,
		Payload:  req.Data,
		Records:  records,
	}, nil
}

// Rejections lists recorded rejections, newest first. An empty fileName lists all files.
func (s *Service) Rejections(ctx context.Context, fileName string, limit, offset int) ([]domain.IngestionLogEntry, error) {
	if s.logRepo == nil {
		return []domain.IngestionLogEntry{}, nil
	}
	return s.logRepo.List(ctx, fileName, limit, offset)
}

func (s *Service) logIngestionError(ctx context.Context, req Request, err error) {
	entry := domain.IngestionLogEntry{
		FileName:     req.FileName,
		Label:        req.Label,
		Kind:         domain.KindOf(err),
		ErrorMessage: err.Error(),
		CreatedAt:    s.now(),
	}
	if engineErr, ok := domain.AsError(err); ok {
		if row, ok := engineErr.Details["row"].(int); ok {
			entry.RowNumber = &row
		}
	}

	s.log.WithFields(logrus.Fields{
		"file": req.FileName,
		"kind": entry.Kind,
	}).WithError(err).Warn("rejected snapshot")

	if s.logRepo == nil {
		return
	}
	if recErr := s.logRepo.Record(ctx, entry); recErr != nil {
		s.log.WithError(recErr).Error("failed to record ingestion log")
	}
}
