package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/emergent-company/branchgraph/internal/database"
	"github.com/emergent-company/branchgraph/pkg/timestamp"
)

const (
	statusActive  = "active"
	statusDeleted = "deleted"
)

// DefinitionRecord is one temporal row of schema_definitions: the state of a
// kind on a branch from ChangedAt until superseded.
type DefinitionRecord struct {
	bun.BaseModel `bun:"table:schema_definitions,alias:sd"`

	ID         string           `bun:"id,pk"`
	Branch     string           `bun:"branch,notnull"`
	Kind       string           `bun:"kind,notnull"`
	Category   string           `bun:"category,notnull"`
	Definition string           `bun:"definition,type:text,notnull"`
	Status     string           `bun:"status,notnull"`
	ChangedAt  timestamp.Micros `bun:"changed_at,type:bigint,notnull"`
}

// Tables returns the models and indexes owned by this package.
func Tables() ([]any, []database.Index) {
	return []any{(*DefinitionRecord)(nil)}, []database.Index{
		{Model: (*DefinitionRecord)(nil), Name: "schema_definitions_branch_idx", Columns: []string{"branch", "changed_at"}},
	}
}

// View selects which rows make up a branch's schema: trunk rows up to TrunkAt
// overlaid with the branch's own rows up to At. A zero At means no bound.
type View struct {
	Branch  string
	Trunk   string
	TrunkAt time.Time
	At      time.Time
}

// Store persists schema definitions per branch.
type Store struct {
	db bun.IDB
}

// NewStore creates a schema store.
func NewStore(db bun.IDB) *Store {
	return &Store{db: db}
}

// WithTx returns a store bound to tx.
func (s *Store) WithTx(tx bun.IDB) *Store {
	return &Store{db: tx}
}

// Load assembles the schema visible through view.
func (s *Store) Load(ctx context.Context, view View) (*SchemaBranch, error) {
	var records []*DefinitionRecord
	q := s.db.NewSelect().Model(&records).OrderExpr("changed_at ASC, id ASC")

	trunkAt := timestamp.FromTime(view.TrunkAt)
	if view.Branch == view.Trunk {
		q = q.Where("branch = ?", view.Trunk)
		if !view.TrunkAt.IsZero() {
			q = q.Where("changed_at <= ?", trunkAt)
		}
	} else {
		q = q.WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			q = q.WhereGroup(" OR ", func(q *bun.SelectQuery) *bun.SelectQuery {
				q = q.Where("branch = ?", view.Trunk)
				if !view.TrunkAt.IsZero() {
					q = q.Where("changed_at <= ?", trunkAt)
				}
				return q
			})
			return q.WhereGroup(" OR ", func(q *bun.SelectQuery) *bun.SelectQuery {
				q = q.Where("branch = ?", view.Branch)
				if !view.At.IsZero() {
					q = q.Where("changed_at <= ?", timestamp.FromTime(view.At))
				}
				return q
			})
		})
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("load schema for %s: %w", view.Branch, err)
	}

	trunk := make(map[string]*DefinitionRecord)
	own := make(map[string]*DefinitionRecord)
	for _, r := range records {
		if r.Branch == view.Branch {
			own[r.Kind] = r
		} else {
			trunk[r.Kind] = r
		}
	}
	for kind, r := range own {
		trunk[kind] = r
	}

	sb := NewSchemaBranch(view.Branch)
	for _, r := range trunk {
		if r.Status != statusActive {
			continue
		}
		def, err := decodeDefinition(r)
		if err != nil {
			return nil, err
		}
		sb.defs[def.Kind()] = def
	}
	return sb, nil
}

func decodeDefinition(r *DefinitionRecord) (*Definition, error) {
	def := new(Definition)
	if err := json.Unmarshal([]byte(r.Definition), def); err != nil {
		return nil, fmt.Errorf("decode schema definition %s: %w", r.Kind, err)
	}
	def.Category = Category(r.Category)
	def.normalize()
	return def, nil
}

// SaveDiff writes the kinds listed in diff with their state in candidate and
// returns the ids of the inserted rows.
func (s *Store) SaveDiff(ctx context.Context, branch string, diff *Diff, candidate *SchemaBranch, at time.Time) ([]string, error) {
	if diff.IsEmpty() {
		return nil, nil
	}

	records := make([]*DefinitionRecord, 0, len(diff.Kinds))
	for _, kd := range diff.Kinds {
		r := &DefinitionRecord{
			ID:        uuid.NewString(),
			Branch:    branch,
			Kind:      kd.Kind,
			Category:  string(kd.Category),
			Status:    statusActive,
			ChangedAt: timestamp.FromTime(at),
		}
		if kd.Action == ActionRemoved {
			r.Status = statusDeleted
			r.Definition = "{}"
		} else {
			def, ok := candidate.defs[kd.Kind]
			if !ok {
				return nil, fmt.Errorf("save schema: kind %s missing from candidate", kd.Kind)
			}
			b, err := json.Marshal(def)
			if err != nil {
				return nil, fmt.Errorf("encode schema definition %s: %w", kd.Kind, err)
			}
			r.Definition = string(b)
		}
		records = append(records, r)
	}

	if _, err := s.db.NewInsert().Model(&records).Exec(ctx); err != nil {
		return nil, fmt.Errorf("save schema for %s: %w", branch, err)
	}

	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	return ids, nil
}

// SaveAll writes every definition of sb as the state of branch at at.
func (s *Store) SaveAll(ctx context.Context, branch string, sb *SchemaBranch, at time.Time) ([]string, error) {
	return s.SaveDiff(ctx, branch, NewSchemaBranch(branch).Diff(sb), sb, at)
}

// ChangedKinds returns the kinds with rows on branch after since (all rows
// when since is zero), sorted.
func (s *Store) ChangedKinds(ctx context.Context, branch string, since time.Time) ([]string, error) {
	var kinds []string
	q := s.db.NewSelect().
		Model((*DefinitionRecord)(nil)).
		Distinct().
		Column("kind").
		Where("branch = ?", branch)
	if !since.IsZero() {
		q = q.Where("changed_at > ?", timestamp.FromTime(since))
	}
	if err := q.Scan(ctx, &kinds); err != nil {
		return nil, fmt.Errorf("changed kinds for %s: %w", branch, err)
	}
	sort.Strings(kinds)
	return kinds, nil
}

// DeleteByIDs removes rows by id. It compensates SaveDiff when a merge is
// rolled back.
func (s *Store) DeleteByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.NewDelete().
		Model((*DefinitionRecord)(nil)).
		Where("id IN (?)", bun.In(ids)).
		Exec(ctx)
	return err
}

// DeleteBranch removes every row written on branch.
func (s *Store) DeleteBranch(ctx context.Context, branch string) error {
	_, err := s.db.NewDelete().
		Model((*DefinitionRecord)(nil)).
		Where("branch = ?", branch).
		Exec(ctx)
	return err
}
