// Package schemamigration rewrites stored node data after a schema change.
package schemamigration

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel/attribute"

	"github.com/emergent-company/branchgraph/domain/branch"
	"github.com/emergent-company/branchgraph/domain/graph"
	"github.com/emergent-company/branchgraph/domain/registry"
	"github.com/emergent-company/branchgraph/domain/schema"
	"github.com/emergent-company/branchgraph/pkg/apperror"
	"github.com/emergent-company/branchgraph/pkg/logger"
	"github.com/emergent-company/branchgraph/pkg/metrics"
	"github.com/emergent-company/branchgraph/pkg/timestamp"
	"github.com/emergent-company/branchgraph/pkg/tracing"
)

// Request names where and how to apply migrations. Previous and New are the
// schemas before and after the change. Nodes are read through the view of
// Branch, so an isolated branch only migrates what it can see.
type Request struct {
	Branch     *branch.Branch
	Trunk      string
	Previous   *schema.Processed
	New        *schema.Processed
	Migrations []schema.Migration
}

// Applier executes migrations one transaction each.
type Applier struct {
	db    bun.IDB
	store *graph.Store
	clock *timestamp.Clock
	log   *slog.Logger
}

// NewApplier creates an applier writing through reg's database and clock.
func NewApplier(reg *registry.Registry, log *slog.Logger) *Applier {
	return &Applier{
		db:    reg.DB(),
		store: graph.NewStore(reg.DB()),
		clock: reg.Clock(),
		log:   log.With(logger.Scope("schemamigration")),
	}
}

// Apply runs every migration in order. A failing migration is logged,
// counted and returned; it does not stop the others.
func (a *Applier) Apply(ctx context.Context, req Request) []error {
	ctx, span := tracing.Start(ctx, "schemamigration.apply",
		attribute.String("branch.name", req.Branch.Name),
		attribute.Int("migrations", len(req.Migrations)),
	)
	defer span.End()

	var errs []error
	for _, m := range req.Migrations {
		start := time.Now()
		n, err := a.applyOne(ctx, req, m)
		if err != nil {
			metrics.MigrationFailures.WithLabelValues(string(m.Name)).Inc()
			err = apperror.ErrMigrationFailed.
				WithMessage(fmt.Sprintf("migration %s on %s failed", m.Name, m.Path())).
				WithInternal(err)
			a.log.Error("schema migration failed",
				slog.String("branch", req.Branch.Name),
				slog.String("migration", string(m.Name)),
				slog.String("path", m.Path()),
				logger.Error(err))
			tracing.RecordError(span, err)
			errs = append(errs, err)
			continue
		}
		a.log.Info("schema migration applied",
			slog.String("branch", req.Branch.Name),
			slog.String("migration", string(m.Name)),
			slog.String("path", m.Path()),
			slog.Int("rows", n),
			slog.Duration("duration", time.Since(start)))
	}
	return errs
}

func (a *Applier) applyOne(ctx context.Context, req Request, m schema.Migration) (int, error) {
	var written int
	err := a.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		store := a.store.WithTx(tx)
		now := a.clock.Now()
		view := graph.ViewOf(req.Branch, req.Trunk, now)
		state, err := store.StateAt(ctx, view, graph.Filter{Kinds: []string{m.Kind}})
		if err != nil {
			return err
		}

		var rows []*graph.Change
		switch m.Name {
		case schema.MigrationNodeRemove:
			rows, err = a.removeNodes(ctx, store, view, state)
		case schema.MigrationNodeAttributeAdd:
			rows, err = addAttribute(state, m)
		case schema.MigrationNodeAttributeRemove, schema.MigrationNodeRelationshipRemove:
			rows = removeField(state, m.Field)
		case schema.MigrationAttributeNameUpdate:
			rows = renameAttribute(state, m)
		case schema.MigrationAttributeKindUpdate:
			rows, err = convertAttribute(state, m)
		default:
			err = fmt.Errorf("unknown migration %s", m.Name)
		}
		if err != nil || len(rows) == 0 {
			return err
		}

		at := timestamp.FromTime(a.clock.Now())
		for _, r := range rows {
			r.ID = ""
			r.Branch = req.Branch.Name
			r.ChangedAt = at
		}
		if _, err := store.Append(ctx, rows); err != nil {
			return err
		}
		written = len(rows)
		return nil
	})
	return written, err
}

func deleted(c *graph.Change) *graph.Change {
	gone := *c
	gone.Status = graph.StatusDeleted
	gone.Value = ""
	return &gone
}

// removeNodes deletes every element of the nodes in state and every
// relationship pointing at them.
func (a *Applier) removeNodes(ctx context.Context, store *graph.Store, view graph.View, state graph.State) ([]*graph.Change, error) {
	var rows []*graph.Change
	for _, c := range state {
		if c.IsActive() {
			rows = append(rows, deleted(c))
		}
	}
	for _, id := range state.NodeIDs() {
		refs, err := store.StateAt(ctx, view, graph.Filter{PeerID: id})
		if err != nil {
			return nil, err
		}
		for _, c := range refs {
			if c.ElementType == graph.ElementRelationship && c.IsActive() && c.NodeID != id {
				rows = append(rows, deleted(c))
			}
		}
	}
	return rows, nil
}

// addAttribute backfills the default value on nodes that lack the attribute.
func addAttribute(state graph.State, m schema.Migration) ([]*graph.Change, error) {
	if m.Attribute == nil || m.Attribute.DefaultValue == nil {
		return nil, nil
	}
	v, err := graph.Coerce(m.Attribute.Kind, m.Attribute.DefaultValue)
	if err != nil {
		return nil, fmt.Errorf("default value of %s: %w", m.Path(), err)
	}
	value, err := graph.EncodeValue(v)
	if err != nil {
		return nil, err
	}
	var rows []*graph.Change
	for _, id := range state.NodeIDs() {
		key := graph.ElementKey{NodeID: id, ElementType: graph.ElementAttribute, FieldName: m.Field}
		if _, ok := state.Active(key); ok {
			continue
		}
		node := state[graph.ElementKey{NodeID: id, ElementType: graph.ElementNode}]
		rows = append(rows, &graph.Change{
			NodeID:      id,
			Kind:        node.Kind,
			ElementType: graph.ElementAttribute,
			FieldName:   m.Field,
			Value:       value,
			Status:      graph.StatusActive,
		})
	}
	return rows, nil
}

func removeField(state graph.State, field string) []*graph.Change {
	var rows []*graph.Change
	for key, c := range state {
		if key.FieldName == field && key.ElementType != graph.ElementNode && c.IsActive() {
			rows = append(rows, deleted(c))
		}
	}
	return rows
}

func renameAttribute(state graph.State, m schema.Migration) []*graph.Change {
	var rows []*graph.Change
	for key, c := range state {
		if key.ElementType != graph.ElementAttribute || key.FieldName != m.PreviousField || !c.IsActive() {
			continue
		}
		renamed := *c
		renamed.FieldName = m.Field
		rows = append(rows, deleted(c), &renamed)
	}
	return rows
}

// convertAttribute coerces stored values to the new attribute kind. Values
// that cannot be converted fail the migration.
func convertAttribute(state graph.State, m schema.Migration) ([]*graph.Change, error) {
	var rows []*graph.Change
	for key, c := range state {
		if key.ElementType != graph.ElementAttribute || key.FieldName != m.Field || !c.IsActive() {
			continue
		}
		raw, err := c.Decode()
		if err != nil {
			return nil, err
		}
		if raw == nil {
			continue
		}
		v, err := graph.Coerce(m.Attribute.Kind, raw)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", key.NodeID, err)
		}
		value, err := graph.EncodeValue(v)
		if err != nil {
			return nil, err
		}
		if value == c.Value {
			continue
		}
		converted := *c
		converted.Value = value
		rows = append(rows, &converted)
	}
	return rows, nil
}
