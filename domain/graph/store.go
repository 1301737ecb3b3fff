package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/emergent-company/branchgraph/pkg/timestamp"
)

// Filter narrows a state read. Empty fields do not filter.
type Filter struct {
	NodeIDs []string
	Kinds   []string
	PeerID  string
}

// Store reads and appends graph changes.
type Store struct {
	db bun.IDB
}

// NewStore creates a graph store.
func NewStore(db bun.IDB) *Store {
	return &Store{db: db}
}

// WithTx returns a store bound to tx.
func (s *Store) WithTx(tx bun.IDB) *Store {
	return &Store{db: tx}
}

// Append inserts changes, assigning ids where missing, and returns the ids.
func (s *Store) Append(ctx context.Context, changes []*Change) ([]string, error) {
	if len(changes) == 0 {
		return nil, nil
	}
	ids := make([]string, len(changes))
	for i, c := range changes {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		if c.Status == "" {
			c.Status = StatusActive
		}
		ids[i] = c.ID
	}
	if _, err := s.db.NewInsert().Model(&changes).Exec(ctx); err != nil {
		return nil, fmt.Errorf("append graph changes: %w", err)
	}
	return ids, nil
}

// ChangesInWindow returns the rows written on branch in (from, to], oldest
// first. A zero from starts at the beginning.
func (s *Store) ChangesInWindow(ctx context.Context, branch string, from, to time.Time) ([]*Change, error) {
	var changes []*Change
	q := s.db.NewSelect().
		Model(&changes).
		Where("branch = ?", branch).
		Where("changed_at <= ?", timestamp.FromTime(to)).
		OrderExpr("changed_at ASC, id ASC")
	if !from.IsZero() {
		q = q.Where("changed_at > ?", timestamp.FromTime(from))
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("changes of %s in window: %w", branch, err)
	}
	return changes, nil
}

// StateAt resolves the latest visible change per element for view.
func (s *Store) StateAt(ctx context.Context, view View, filter Filter) (State, error) {
	var rows []*Change
	q := s.db.NewSelect().Model(&rows).OrderExpr("changed_at ASC, id ASC")

	if view.IsTrunk() {
		q = q.Where("branch = ?", view.Branch).Where("changed_at <= ?", timestamp.FromTime(view.At))
	} else {
		q = q.WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			q = q.WhereGroup(" OR ", func(q *bun.SelectQuery) *bun.SelectQuery {
				return q.Where("branch = ?", view.Trunk).Where("changed_at <= ?", timestamp.FromTime(view.TrunkAt))
			})
			return q.WhereGroup(" OR ", func(q *bun.SelectQuery) *bun.SelectQuery {
				return q.Where("branch = ?", view.Branch).Where("changed_at <= ?", timestamp.FromTime(view.At))
			})
		})
	}
	if len(filter.NodeIDs) > 0 {
		q = q.Where("node_id IN (?)", bun.In(filter.NodeIDs))
	}
	if len(filter.Kinds) > 0 {
		q = q.Where("kind IN (?)", bun.In(filter.Kinds))
	}
	if filter.PeerID != "" {
		q = q.Where("peer_id = ?", filter.PeerID)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("state of %s: %w", view.Branch, err)
	}
	return resolve(rows, view.Branch), nil
}

// resolve keeps the latest row per element, preferring rows of own over any
// trunk row. rows must be ordered oldest first.
func resolve(rows []*Change, own string) State {
	state := make(State, len(rows))
	for _, r := range rows {
		key := r.Key()
		prev, ok := state[key]
		if ok && prev.Branch == own && r.Branch != own {
			continue
		}
		state[key] = r
	}
	return state
}

// DeleteByIDs removes rows by id. It compensates Append during rollback.
func (s *Store) DeleteByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.NewDelete().
		Model((*Change)(nil)).
		Where("id IN (?)", bun.In(ids)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete graph changes: %w", err)
	}
	return nil
}

// DeleteBranch removes every row written on branch.
func (s *Store) DeleteBranch(ctx context.Context, branch string) error {
	_, err := s.db.NewDelete().
		Model((*Change)(nil)).
		Where("branch = ?", branch).
		Exec(ctx)
	return err
}

// Restamp collapses the history of branch to its latest row per element and
// moves those rows to at, so that after a rebase the branch's own changes lie
// after its new divergence point. It returns the number of surviving rows.
func (s *Store) Restamp(ctx context.Context, branch string, at time.Time) (int, error) {
	var rows []*Change
	err := s.db.NewSelect().
		Model(&rows).
		Where("branch = ?", branch).
		OrderExpr("changed_at ASC, id ASC").
		Scan(ctx)
	if err != nil {
		return 0, fmt.Errorf("restamp %s: %w", branch, err)
	}

	latest := make(map[ElementKey]*Change, len(rows))
	for _, r := range rows {
		latest[r.Key()] = r
	}
	var stale, keep []string
	for _, r := range rows {
		if latest[r.Key()] == r {
			keep = append(keep, r.ID)
		} else {
			stale = append(stale, r.ID)
		}
	}

	if err := s.DeleteByIDs(ctx, stale); err != nil {
		return 0, err
	}
	if len(keep) > 0 {
		_, err = s.db.NewUpdate().
			Model((*Change)(nil)).
			Set("changed_at = ?", timestamp.FromTime(at)).
			Where("id IN (?)", bun.In(keep)).
			Exec(ctx)
		if err != nil {
			return 0, fmt.Errorf("restamp %s: %w", branch, err)
		}
	}
	return len(keep), nil
}

// LatestChange returns the time of the newest row on branch, or zero.
func (s *Store) LatestChange(ctx context.Context, branch string) (time.Time, error) {
	var max timestamp.Micros
	err := s.db.NewSelect().
		Model((*Change)(nil)).
		ColumnExpr("COALESCE(MAX(changed_at), 0)").
		Where("branch = ?", branch).
		Scan(ctx, &max)
	if err != nil {
		return time.Time{}, fmt.Errorf("latest change of %s: %w", branch, err)
	}
	return max.Time(), nil
}
