package branch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/emergent-company/branchgraph/internal/database"
	"github.com/emergent-company/branchgraph/pkg/apperror"
	"github.com/emergent-company/branchgraph/pkg/timestamp"
)

// Tables returns the models and indexes owned by this package.
func Tables() ([]any, []database.Index) {
	return []any{(*Branch)(nil)}, []database.Index{
		{Model: (*Branch)(nil), Name: "branches_status_idx", Columns: []string{"status"}},
	}
}

// Store handles database operations for branches.
type Store struct {
	db bun.IDB
}

// NewStore creates a new branch store.
func NewStore(db bun.IDB) *Store {
	return &Store{db: db}
}

// WithTx returns a store bound to tx.
func (s *Store) WithTx(tx bun.IDB) *Store {
	return &Store{db: tx}
}

// List returns all branches ordered by hierarchy then name.
func (s *Store) List(ctx context.Context) ([]*Branch, error) {
	var branches []*Branch
	err := s.db.NewSelect().
		Model(&branches).
		Order("hierarchy_level ASC", "name ASC").
		Scan(ctx)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return branches, nil
}

// GetByName returns the branch called name.
func (s *Store) GetByName(ctx context.Context, name string) (*Branch, error) {
	b := new(Branch)
	err := s.db.NewSelect().Model(b).Where("name = ?", name).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.ErrBranchNotFound.WithMessage(fmt.Sprintf("branch '%s' not found", name))
		}
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return b, nil
}

// GetByID returns the branch with id.
func (s *Store) GetByID(ctx context.Context, id string) (*Branch, error) {
	b := new(Branch)
	err := s.db.NewSelect().Model(b).Where("id = ?", id).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.ErrBranchNotFound.WithMessage(fmt.Sprintf("branch id '%s' not found", id))
		}
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return b, nil
}

// Create inserts b. A duplicate name fails with ErrAlreadyExists.
func (s *Store) Create(ctx context.Context, b *Branch) error {
	exists, err := s.db.NewSelect().Model((*Branch)(nil)).Where("name = ?", b.Name).Exists(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	if exists {
		return apperror.ErrAlreadyExists.WithMessage(fmt.Sprintf("branch '%s' already exists", b.Name))
	}

	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.Status == "" {
		b.Status = StatusOpen
	}
	if _, err := s.db.NewInsert().Model(b).Exec(ctx); err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// Save writes every column of b.
func (s *Store) Save(ctx context.Context, b *Branch) error {
	res, err := s.db.NewUpdate().Model(b).WherePK().Exec(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.ErrBranchNotFound.WithMessage(fmt.Sprintf("branch '%s' not found", b.Name))
	}
	return nil
}

// Delete removes the branch with id and reports whether a row was deleted.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.NewDelete().Model((*Branch)(nil)).Where("id = ?", id).Exec(ctx)
	if err != nil {
		return false, apperror.ErrDatabase.WithInternal(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperror.ErrDatabase.WithInternal(err)
	}
	return n > 0, nil
}

// GetDefault returns the default branch.
func (s *Store) GetDefault(ctx context.Context) (*Branch, error) {
	return s.getFlagged(ctx, "is_default")
}

// GetGlobal returns the global branch.
func (s *Store) GetGlobal(ctx context.Context) (*Branch, error) {
	return s.getFlagged(ctx, "is_global")
}

func (s *Store) getFlagged(ctx context.Context, column string) (*Branch, error) {
	var branches []*Branch
	err := s.db.NewSelect().Model(&branches).Where("? = ?", bun.Ident(column), true).Scan(ctx)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	switch len(branches) {
	case 0:
		return nil, apperror.ErrBranchNotFound.WithMessage(fmt.Sprintf("no branch has %s set", column))
	case 1:
		return branches[0], nil
	default:
		return nil, apperror.NewInternal(fmt.Sprintf("%d branches have %s set", len(branches), column), nil)
	}
}

// EnsureDefault returns the default branch, creating it under name if none
// exists.
func (s *Store) EnsureDefault(ctx context.Context, name string, now time.Time) (*Branch, error) {
	return s.ensureTrunk(ctx, name, now, func(b *Branch) { b.IsDefault = true }, s.GetDefault)
}

// EnsureGlobal returns the global branch, creating it under name if none
// exists.
func (s *Store) EnsureGlobal(ctx context.Context, name string, now time.Time) (*Branch, error) {
	return s.ensureTrunk(ctx, name, now, func(b *Branch) { b.IsGlobal = true }, s.GetGlobal)
}

func (s *Store) ensureTrunk(ctx context.Context, name string, now time.Time, flag func(*Branch), get func(context.Context) (*Branch, error)) (*Branch, error) {
	b, err := get(ctx)
	if err == nil {
		return b, nil
	}
	if !apperror.Is(err, apperror.ErrBranchNotFound) {
		return nil, err
	}

	b = &Branch{
		Name:           name,
		HierarchyLevel: LevelTrunk,
		Status:         StatusOpen,
		BranchedFrom:   timestamp.FromTime(now),
		CreatedAt:      timestamp.FromTime(now),
	}
	flag(b)
	if err := s.Create(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}
