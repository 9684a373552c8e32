package domain

// MatchResult is the outcome of looking up an external identifier among the
// current entities. It is either Matched or NoMatch.
type MatchResult interface {
	isMatchResult()
}

// Matched carries the current, non-deleted entity for an external identifier.
type Matched struct {
	Entity Entity
}

// NoMatch means no current entity owns the external identifier. A
// soft-deleted entity with the same identifier also yields NoMatch.
type NoMatch struct{}

func (Matched) isMatchResult() {}
func (NoMatch) isMatchResult() {}

// MatchIndex resolves external identifiers against a set of entities.
type MatchIndex struct {
	byExternalID map[string]Entity
}

// NewMatchIndex indexes the non-deleted entities among the given ones.
// Deleted entities are dropped here rather than trusted to be filtered upstream.
func NewMatchIndex(entities []Entity) MatchIndex {
	index := make(map[string]Entity, len(entities))
	for _, entity := range entities {
		if entity.IsDeleted {
			continue
		}
		index[entity.ExternalID] = entity
	}
	return MatchIndex{byExternalID: index}
}

// Lookup returns Matched when a current entity owns externalID.
func (m MatchIndex) Lookup(externalID string) MatchResult {
	entity, ok := m.byExternalID[externalID]
	if !ok {
		return NoMatch{}
	}
	return Matched{Entity: entity}
}

// Len returns the number of indexed entities.
func (m MatchIndex) Len() int {
	return len(m.byExternalID)
}
