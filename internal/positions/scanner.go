// Package positions enumerates the active positions an accrual tick works on.
package positions

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/yieldsim/backend/internal/models"
)

// Store lists active positions of one kind with their pricing context.
type Store interface {
	ListActive(ctx context.Context, kind models.Kind) ([]models.Position, error)
}

type Scanner struct {
	store Store
	kinds []models.Kind
}

// NewScanner scans the given kinds in order, or every known kind when none
// are given.
func NewScanner(store Store, kinds ...models.Kind) *Scanner {
	if len(kinds) == 0 {
		kinds = models.Kinds
	}
	return &Scanner{store: store, kinds: kinds}
}

// Kinds returns the kinds the scanner visits.
func (s *Scanner) Kinds() []models.Kind { return s.kinds }

// Active returns the active positions of kind. Rows are de-duplicated by id.
func (s *Scanner) Active(ctx context.Context, kind models.Kind) ([]models.Position, error) {
	list, err := s.store.ListActive(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("scan %s positions: %w", kind, err)
	}
	seen := make(map[uuid.UUID]struct{}, len(list))
	out := list[:0]
	for _, p := range list {
		if !p.Active || p.Kind != kind {
			continue
		}
		if _, dup := seen[p.ID]; dup {
			continue
		}
		seen[p.ID] = struct{}{}
		out = append(out, p)
	}
	return out, nil
}

// All returns the active positions of every kind, kind by kind.
func (s *Scanner) All(ctx context.Context) ([]models.Position, error) {
	var out []models.Position
	for _, kind := range s.kinds {
		list, err := s.Active(ctx, kind)
		if err != nil {
			return nil, err
		}
		out = append(out, list...)
	}
	return out, nil
}
