package proposedchange

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/emergent-company/branchgraph/domain/branch"
	"github.com/emergent-company/branchgraph/pkg/apperror"
	"github.com/emergent-company/branchgraph/pkg/logger"
	"github.com/emergent-company/branchgraph/pkg/timestamp"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("branchname", func(fl validator.FieldLevel) bool {
		return branch.ValidName(fl.Field().String())
	})
	return v
}

// Validate checks the request and returns every failure at once.
func (r *CreateRequest) Validate() error {
	err := validate.Struct(r)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperror.NewBadRequest(err.Error())
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("invalid field %s: failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return apperror.NewValidationFailed(msgs)
}

// Repository handles database operations for proposed changes
type Repository struct {
	db    bun.IDB
	clock *timestamp.Clock
	log   *slog.Logger
}

// NewRepository creates a proposed change repository.
func NewRepository(db bun.IDB, clock *timestamp.Clock, log *slog.Logger) *Repository {
	return &Repository{
		db:    db,
		clock: clock,
		log:   log.With(logger.Scope("proposedchange.repo")),
	}
}

// Create validates req and stores an open proposed change.
func (r *Repository) Create(ctx context.Context, req *CreateRequest) (*ProposedChange, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	now := timestamp.FromTime(r.clock.Now())
	pc := &ProposedChange{
		ID:                uuid.NewString(),
		Name:              req.Name,
		Description:       req.Description,
		SourceBranch:      req.SourceBranch,
		DestinationBranch: req.DestinationBranch,
		State:             StateOpen,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if _, err := r.db.NewInsert().Model(pc).Exec(ctx); err != nil {
		r.log.Error("failed to create proposed change", logger.Error(err))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return pc, nil
}

// GetByID returns the proposed change with id.
func (r *Repository) GetByID(ctx context.Context, id string) (*ProposedChange, error) {
	var pc ProposedChange
	err := r.db.NewSelect().Model(&pc).Where("id = ?", id).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NewNotFound("proposed change", id)
		}
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return &pc, nil
}

// ListForBranch returns the proposed changes whose source is branchName,
// newest first. An empty state matches every state.
func (r *Repository) ListForBranch(ctx context.Context, branchName string, state State) ([]*ProposedChange, error) {
	var out []*ProposedChange
	q := r.db.NewSelect().
		Model(&out).
		Where("source_branch = ?", branchName).
		OrderExpr("created_at DESC")
	if state != "" {
		q = q.Where("state = ?", state)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return out, nil
}

// SetState moves an open proposed change to state.
func (r *Repository) SetState(ctx context.Context, id string, state State) error {
	res, err := r.db.NewUpdate().
		Model((*ProposedChange)(nil)).
		Set("state = ?", state).
		Set("updated_at = ?", timestamp.FromTime(r.clock.Now())).
		Where("id = ?", id).
		Where("state = ?", StateOpen).
		Exec(ctx)
	if err != nil {
		r.log.Error("failed to update proposed change", logger.Error(err))
		return apperror.ErrDatabase.WithInternal(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.ErrNotFound.WithMessage("Proposed change not found or not open")
	}
	return nil
}

// CancelForBranch cancels every open proposed change whose source is
// branchName and returns their ids.
func (r *Repository) CancelForBranch(ctx context.Context, branchName string) ([]string, error) {
	return r.closeForBranch(ctx, branchName, StateCanceled)
}

// MarkMergedForBranch moves the open proposed changes of branchName to merged.
func (r *Repository) MarkMergedForBranch(ctx context.Context, branchName string) ([]string, error) {
	return r.closeForBranch(ctx, branchName, StateMerged)
}

func (r *Repository) closeForBranch(ctx context.Context, branchName string, state State) ([]string, error) {
	var ids []string
	err := r.db.NewSelect().
		Model((*ProposedChange)(nil)).
		Column("id").
		Where("source_branch = ?", branchName).
		Where("state = ?", StateOpen).
		OrderExpr("id ASC").
		Scan(ctx, &ids)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	_, err = r.db.NewUpdate().
		Model((*ProposedChange)(nil)).
		Set("state = ?", state).
		Set("updated_at = ?", timestamp.FromTime(r.clock.Now())).
		Where("id IN (?)", bun.In(ids)).
		Exec(ctx)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	r.log.Info("proposed changes closed",
		slog.String("branch", branchName),
		slog.String("state", string(state)),
		slog.Int("count", len(ids)))
	return ids, nil
}
