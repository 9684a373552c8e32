package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/rpattn/regsync/internal/domain"
	"github.com/rpattn/regsync/internal/repository"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Apply phases, in execution order.
const (
	PhaseInsert = "insert"
	PhaseUpdate = "update"
	PhaseDelete = "delete"
)

// Upload describes the file behind an apply.
type Upload struct {
	FileName    string
	Label       string
	ReleaseDate *time.Time
	Payload     []byte
}

// Expectation is what the caller saw in a prior Simulate.
type Expectation struct {
	Generation int64              `json:"generation"`
	Summary    domain.DiffSummary `json:"summary"`
}

// ApplyRequest is one bulk apply.
type ApplyRequest struct {
	Records  []domain.IncomingRecord
	Upload   Upload
	Expected *Expectation
}

// ApplyResult identifies what an apply recorded.
type ApplyResult struct {
	UploadID       uuid.UUID `json:"uploadId"`
	ChangeSourceID uuid.UUID `json:"changeSourceId"`
	Inserted       int       `json:"inserted"`
	Updated        int       `json:"updated"`
	Deleted        int       `json:"deleted"`
}

// Apply archives the upload and writes one version per changed entity.
//
// The insert phase is one transaction together with the change source and
// bulk upload rows. Updates and deletes are committed in batches; a failing
// batch leaves earlier batches in place and yields a PARTIAL_APPLICATION
// error naming the change source to roll back.
func (s *Service) Apply(ctx context.Context, role domain.CallerRole, req ApplyRequest) (result ApplyResult, err error) {
	ctx, span := tracer.Start(ctx, "reconcile.Apply",
		trace.WithAttributes(
			attribute.String("regsync.file", req.Upload.FileName),
			attribute.Int("regsync.incoming", len(req.Records)),
		),
	)
	defer func() { endSpan(span, err) }()

	if !role.CanBulkUpload {
		return ApplyResult{}, domain.NewError(domain.KindForbidden, nil, "caller may not apply bulk uploads")
	}
	if req.Upload.FileName == "" {
		return ApplyResult{}, domain.NewError(domain.KindValidation, nil, "upload file name is required")
	}
	if len(req.Upload.Payload) == 0 {
		return ApplyResult{}, domain.NewError(domain.KindValidation, nil, "upload %s is empty", req.Upload.FileName)
	}

	p, err := s.planForApply(ctx, req)
	if err != nil {
		return ApplyResult{}, err
	}

	ref, err := s.sink.Store(ctx, req.Upload.Payload, req.Upload.FileName)
	if err != nil {
		return ApplyResult{}, domain.NewError(domain.KindInternal, err, "archive %s", req.Upload.FileName)
	}

	now := s.timestamp()
	source := domain.NewChangeSource(domain.ChangeSourceBulkUpload, uploadDescription(req.Upload), now)
	upload := domain.BulkUpload{
		ID:             uuid.New(),
		ChangeSourceID: source.ID,
		FileName:       req.Upload.FileName,
		Label:          req.Upload.Label,
		ReleaseDate:    req.Upload.ReleaseDate,
		UploadedAt:     now,
		Archive:        ref,
	}

	log := s.logger(ctx).WithFields(logrus.Fields{
		"change_source_id": source.ID,
		"file":             req.Upload.FileName,
	})
	span.SetAttributes(attribute.String("regsync.change_source_id", source.ID.String()))

	run := &applyRun{
		service: s,
		source:  source,
		now:     now,
		log:     log,
	}
	if err := run.insertPhase(ctx, upload, p.inserts); err != nil {
		return ApplyResult{}, err
	}
	if err := run.updatePhase(ctx, p.updates); err != nil {
		return ApplyResult{}, err
	}
	if err := run.deletePhase(ctx, p.deletes); err != nil {
		return ApplyResult{}, err
	}

	log.WithFields(logrus.Fields{
		"inserted": run.rows[PhaseInsert],
		"updated":  run.rows[PhaseUpdate],
		"deleted":  run.rows[PhaseDelete],
		"batches":  run.batches,
	}).Info("applied bulk upload")

	return ApplyResult{
		UploadID:       upload.ID,
		ChangeSourceID: source.ID,
		Inserted:       run.rows[PhaseInsert],
		Updated:        run.rows[PhaseUpdate],
		Deleted:        run.rows[PhaseDelete],
	}, nil
}

// planForApply re-diffs the snapshot. With an expectation the store must
// still be at the expected generation; re-diffing is skipped only when the
// expected summary changes nothing.
func (s *Service) planForApply(ctx context.Context, req ApplyRequest) (plan, error) {
	if req.Expected == nil {
		return s.plan(ctx, req.Records)
	}

	generation, err := s.store.Generation(ctx)
	if err != nil {
		return plan{}, err
	}
	if generation != req.Expected.Generation {
		return plan{}, staleDiff(req.Expected.Generation, generation)
	}
	if !req.Expected.Summary.HasChanges() && req.Expected.Summary.TotalIncoming == len(req.Records) {
		return plan{generation: generation, total: len(req.Records), unchanged: len(req.Records)}, nil
	}

	p, err := s.plan(ctx, req.Records)
	if err != nil {
		return plan{}, err
	}
	if p.generation != req.Expected.Generation {
		return plan{}, staleDiff(req.Expected.Generation, p.generation)
	}
	if !p.summary().SameChanges(req.Expected.Summary) {
		return plan{}, domain.NewError(domain.KindStaleDiff, nil, "diff no longer matches the simulated summary").
			WithDetail("expected", req.Expected.Summary).
			WithDetail("actual", p.summary())
	}
	return p, nil
}

func staleDiff(expected, actual int64) *domain.Error {
	return domain.NewError(domain.KindStaleDiff, nil, "store changed since simulation (generation %d, now %d)", expected, actual).
		WithDetail("expected_generation", expected).
		WithDetail("generation", actual)
}

func uploadDescription(upload Upload) string {
	if upload.Label == "" {
		return fmt.Sprintf("bulk upload %s", upload.FileName)
	}
	return fmt.Sprintf("bulk upload %s (%s)", upload.FileName, upload.Label)
}

// applyRun tracks what one apply has committed so far.
type applyRun struct {
	service *Service
	source  domain.ChangeSource
	now     time.Time
	log     logrus.FieldLogger
	batches int
	rows    map[string]int
}

func (r *applyRun) insertPhase(ctx context.Context, upload domain.BulkUpload, records []domain.IncomingRecord) error {
	r.rows = map[string]int{PhaseInsert: 0, PhaseUpdate: 0, PhaseDelete: 0}

	entities := make([]domain.Entity, len(records))
	versions := make([]domain.Version, len(records))
	for i, rec := range records {
		entities[i] = domain.NewEntity(rec.ExternalID, rec.Fields.BulkOnly(), r.now)
		versions[i] = domain.NewVersion(entities[i], 1, domain.ChangeTypeInsert, r.source.ID, r.now)
	}

	start := time.Now()
	err := r.service.store.RunInTx(ctx, func(tx repository.VersionTx) error {
		if err := tx.CreateChangeSource(ctx, r.source); err != nil {
			return err
		}
		if err := tx.CreateBulkUpload(ctx, upload); err != nil {
			return err
		}
		if len(entities) > 0 {
			if err := tx.InsertEntities(ctx, entities); err != nil {
				return err
			}
			if err := tx.InsertVersions(ctx, versions); err != nil {
				return err
			}
		}
		_, err := tx.BumpGeneration(ctx)
		return err
	})
	applyBatchDuration.WithLabelValues(PhaseInsert, resultLabel(err)).Observe(time.Since(start).Seconds())
	if err != nil {
		r.log.WithError(err).Error("insert phase failed, nothing committed")
		return err
	}

	r.batches++
	r.rows[PhaseInsert] = len(entities)
	applyRows.WithLabelValues(PhaseInsert).Add(float64(len(entities)))
	r.log.WithFields(logrus.Fields{"phase": PhaseInsert, "rows": len(entities)}).Info("phase committed")
	return nil
}

func (r *applyRun) updatePhase(ctx context.Context, updates []pendingUpdate) error {
	entities := make([]domain.Entity, len(updates))
	for i, u := range updates {
		entities[i] = u.current.WithFields(u.current.Fields.WithBulk(u.incoming.Fields), r.now)
	}
	return r.batchedPhase(ctx, PhaseUpdate, domain.ChangeTypeUpdate, entities)
}

func (r *applyRun) deletePhase(ctx context.Context, deletes []domain.Entity) error {
	entities := make([]domain.Entity, len(deletes))
	for i, entity := range deletes {
		entities[i] = entity.MarkDeleted(r.now)
	}
	return r.batchedPhase(ctx, PhaseDelete, domain.ChangeTypeDelete, entities)
}

// batchedPhase writes the new entity states with one version each. Version
// numbers come from a single max-version query advanced in memory after
// every committed batch.
func (r *applyRun) batchedPhase(ctx context.Context, phase string, changeType domain.ChangeType, entities []domain.Entity) error {
	if len(entities) == 0 {
		return nil
	}

	ids := make([]uuid.UUID, len(entities))
	for i, entity := range entities {
		ids[i] = entity.ID
	}
	tally, err := r.service.store.MaxVersionNumbers(ctx, ids)
	if err != nil {
		return r.partial(phase, err)
	}
	for _, entity := range entities {
		if tally[entity.ID] < 1 {
			return r.partial(phase, domain.NewError(domain.KindMissingHistory, nil, "entity %s has no recorded versions", entity.ExternalID))
		}
	}

	size := r.service.batchSize
	for offset := 0; offset < len(entities); offset += size {
		if err := ctx.Err(); err != nil {
			return r.partial(phase, err)
		}

		batch := entities[offset:min(offset+size, len(entities))]
		versions := make([]domain.Version, len(batch))
		for i, entity := range batch {
			versions[i] = domain.NewVersion(entity, tally[entity.ID]+1, changeType, r.source.ID, r.now)
		}

		start := time.Now()
		err := r.service.store.RunInTx(ctx, func(tx repository.VersionTx) error {
			if err := tx.UpdateEntities(ctx, batch); err != nil {
				return err
			}
			if err := tx.InsertVersions(ctx, versions); err != nil {
				return err
			}
			_, err := tx.BumpGeneration(ctx)
			return err
		})
		applyBatchDuration.WithLabelValues(phase, resultLabel(err)).Observe(time.Since(start).Seconds())
		if err != nil {
			return r.partial(phase, err)
		}

		for _, version := range versions {
			tally[version.EntityID] = version.VersionNumber
		}
		r.batches++
		r.rows[phase] += len(batch)
		applyRows.WithLabelValues(phase).Add(float64(len(batch)))
		r.log.WithFields(logrus.Fields{
			"phase": phase,
			"batch": r.batches,
			"rows":  len(batch),
		}).Debug("batch committed")
	}

	r.log.WithFields(logrus.Fields{"phase": phase, "rows": r.rows[phase]}).Info("phase committed")
	return nil
}

func (r *applyRun) partial(phase string, cause error) error {
	rows := make(map[string]int, len(r.rows))
	for k, v := range r.rows {
		rows[k] = v
	}
	r.log.WithError(cause).WithFields(logrus.Fields{
		"phase":             phase,
		"committed_batches": r.batches,
	}).Error("apply stopped part way, roll back the change source to undo it")

	return domain.NewError(domain.KindPartialApplication, cause,
		"apply stopped in %s phase after %d committed batches; roll back change source %s to undo", phase, r.batches, r.source.ID).
		WithDetail("phase", phase).
		WithDetail("committed_batches", r.batches).
		WithDetail("committed_rows", rows).
		WithDetail("change_source_id", r.source.ID.String())
}
