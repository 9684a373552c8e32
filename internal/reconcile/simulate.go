package reconcile

import (
	"context"
	"runtime"
	"time"

	"github.com/rpattn/regsync/internal/domain"
	"github.com/rpattn/regsync/internal/repository"

	"github.com/sirupsen/logrus"
	"github.com/wI2L/jsondiff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// pendingUpdate pairs a current entity with the row that changes it.
type pendingUpdate struct {
	current  domain.Entity
	incoming domain.IncomingRecord
}

// plan is the classification of one snapshot against the store.
type plan struct {
	generation int64
	inserts    []domain.IncomingRecord
	updates    []pendingUpdate
	deletes    []domain.Entity
	unchanged  int
	total      int
}

func (p plan) summary() domain.DiffSummary {
	return domain.DiffSummary{
		TotalIncoming: p.total,
		Inserts:       len(p.inserts),
		Updates:       len(p.updates),
		Deletes:       len(p.deletes),
		Unchanged:     p.unchanged,
	}
}

// Simulate classifies every external id of records as insert, update,
// delete or unchanged. It never writes.
func (s *Service) Simulate(ctx context.Context, records []domain.IncomingRecord) (result domain.DiffResult, err error) {
	ctx, span := tracer.Start(ctx, "reconcile.Simulate",
		trace.WithAttributes(attribute.Int("regsync.incoming", len(records))),
	)
	defer func() { endSpan(span, err) }()

	start := time.Now()
	defer func() { simulateDuration.Observe(time.Since(start).Seconds()) }()

	p, err := s.plan(ctx, records)
	if err != nil {
		return domain.DiffResult{}, err
	}

	result = domain.DiffResult{
		Summary:    p.summary(),
		Inserts:    make([]domain.DiffItem, 0, min(len(p.inserts), s.insertSample)),
		Deletes:    make([]domain.DiffItem, 0, len(p.deletes)),
		Generation: p.generation,
	}

	for _, rec := range p.inserts[:min(len(p.inserts), s.insertSample)] {
		result.Inserts = append(result.Inserts, domain.DiffItem{
			ExternalID: rec.ExternalID,
			ChangeType: domain.ChangeTypeInsert,
			Incoming:   rec.Fields.BulkOnly(),
		})
	}

	result.Updates, err = s.updateItems(ctx, p.updates)
	if err != nil {
		return domain.DiffResult{}, err
	}

	for _, entity := range p.deletes {
		current := entity.Fields.Clone()
		id := entity.ID
		result.Deletes = append(result.Deletes, domain.DiffItem{
			ExternalID: entity.ExternalID,
			ChangeType: domain.ChangeTypeDelete,
			EntityID:   &id,
			Current:    &current,
			Incoming:   entity.Fields.Clone(),
		})
	}

	span.SetAttributes(
		attribute.Int("regsync.inserts", result.Summary.Inserts),
		attribute.Int("regsync.updates", result.Summary.Updates),
		attribute.Int("regsync.deletes", result.Summary.Deletes),
	)
	s.logger(ctx).WithFields(logrus.Fields{
		"incoming":   result.Summary.TotalIncoming,
		"inserts":    result.Summary.Inserts,
		"updates":    result.Summary.Updates,
		"deletes":    result.Summary.Deletes,
		"generation": result.Generation,
	}).Debug("simulated snapshot")
	return result, nil
}

// plan reads the generation token, the matches and the active universe from
// one snapshot, so the diff and its token describe the same store state.
func (s *Service) plan(ctx context.Context, records []domain.IncomingRecord) (plan, error) {
	incoming := make(map[string]struct{}, len(records))
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		if rec.ExternalID == "" {
			return plan{}, domain.RowError(rec.RowNumber, "external_id is required")
		}
		if _, dup := incoming[rec.ExternalID]; dup {
			return plan{}, domain.RowError(rec.RowNumber, "external_id %s appears more than once", rec.ExternalID)
		}
		incoming[rec.ExternalID] = struct{}{}
		ids = append(ids, rec.ExternalID)
	}

	var (
		generation         int64
		matching, universe []domain.Entity
	)
	err := s.store.ReadSnapshot(ctx, func(r repository.VersionReader) error {
		var err error
		if generation, err = r.Generation(ctx); err != nil {
			return err
		}
		if matching, err = r.ListActiveByExternalIDs(ctx, ids); err != nil {
			return err
		}
		universe, err = r.ListActive(ctx)
		return err
	})
	if err != nil {
		return plan{}, err
	}

	p := plan{generation: generation, total: len(records)}
	index := domain.NewMatchIndex(matching)
	for _, rec := range records {
		switch m := index.Lookup(rec.ExternalID).(type) {
		case domain.NoMatch:
			p.inserts = append(p.inserts, rec)
		case domain.Matched:
			if m.Entity.Fields.BulkEqual(rec.Fields) {
				p.unchanged++
				continue
			}
			p.updates = append(p.updates, pendingUpdate{current: m.Entity, incoming: rec})
		}
	}

	for _, entity := range universe {
		if entity.IsDeleted {
			continue
		}
		if _, ok := incoming[entity.ExternalID]; !ok {
			p.deletes = append(p.deletes, entity)
		}
	}
	return p, nil
}

// updateItems renders one item per pending update, computing field changes
// concurrently. Items keep the order of updates.
func (s *Service) updateItems(ctx context.Context, updates []pendingUpdate) ([]domain.DiffItem, error) {
	items := make([]domain.DiffItem, len(updates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, u := range updates {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			current := u.current.Fields.Clone()
			proposed := current.WithBulk(u.incoming.Fields)
			changes, err := fieldChanges(current, proposed)
			if err != nil {
				return domain.NewError(domain.KindInternal, err, "diff %s", u.incoming.ExternalID)
			}
			id := u.current.ID
			items[i] = domain.DiffItem{
				ExternalID: u.incoming.ExternalID,
				ChangeType: domain.ChangeTypeUpdate,
				EntityID:   &id,
				Current:    &current,
				Incoming:   proposed,
				Changes:    changes,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return items, nil
}

// fieldChanges lists the bulk-managed fields that differ as JSON patch operations.
func fieldChanges(current, proposed domain.Fields) ([]domain.FieldChange, error) {
	patch, err := jsondiff.Compare(current.BulkOnly(), proposed.BulkOnly())
	if err != nil {
		return nil, err
	}
	changes := make([]domain.FieldChange, 0, len(patch))
	for _, op := range patch {
		changes = append(changes, domain.FieldChange{
			Op:    op.Type,
			Path:  op.Path,
			Value: op.Value,
		})
	}
	return changes, nil
}
