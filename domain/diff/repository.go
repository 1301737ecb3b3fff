package diff

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/uptrace/bun"

	"github.com/emergent-company/branchgraph/internal/database"
	"github.com/emergent-company/branchgraph/pkg/apperror"
	"github.com/emergent-company/branchgraph/pkg/timestamp"
)

const (
	sideBase   = "base"
	sideBranch = "branch"
)

// rootRecord is one stored side of a diff. Elements and conflicts live in the
// zstd-compressed JSON payload.
type rootRecord struct {
	bun.BaseModel `bun:"table:diff_roots,alias:dr"`

	ID            string           `bun:"id,pk"`
	PartnerID     string           `bun:"partner_id,notnull"`
	Side          string           `bun:"side,notnull"`
	BaseBranch    string           `bun:"base_branch,notnull"`
	DiffBranch    string           `bun:"diff_branch,notnull"`
	TrackingID    string           `bun:"tracking_id,notnull"`
	FromTime      timestamp.Micros `bun:"from_time,type:bigint,notnull"`
	ToTime        timestamp.Micros `bun:"to_time,type:bigint,notnull"`
	NodeCount     int              `bun:"node_count,notnull"`
	ConflictCount int              `bun:"conflict_count,notnull"`
	Payload       []byte           `bun:"payload"`
	CreatedAt     timestamp.Micros `bun:"created_at,type:bigint,notnull"`
}

// summaryRecord is the per-node field summary of a stored root.
type summaryRecord struct {
	bun.BaseModel `bun:"table:diff_node_summaries,alias:dns"`

	RootID        string `bun:"root_id,pk"`
	NodeID        string `bun:"node_id,pk"`
	Kind          string `bun:"kind,notnull"`
	Action        string `bun:"action,notnull"`
	Attributes    string `bun:"attributes,type:text"`
	Relationships string `bun:"relationships,type:text"`
}

// Tables returns the models and indexes owned by this package.
func Tables() ([]any, []database.Index) {
	return []any{(*rootRecord)(nil), (*summaryRecord)(nil)}, []database.Index{
		{Model: (*rootRecord)(nil), Name: "diff_roots_tracking_idx", Columns: []string{"tracking_id", "side"}},
		{Model: (*rootRecord)(nil), Name: "diff_roots_branches_idx", Columns: []string{"base_branch", "diff_branch"}},
	}
}

var (
	encoder, _ = zstd.NewWriter(nil)
	decoder, _ = zstd.NewReader(nil)
)

// Repository persists enriched diffs.
type Repository struct {
	db        bun.IDB
	summaries *lru.Cache[string, []NodeFieldSummary]
}

// NewRepository creates a repository caching up to cacheSize summary lists.
func NewRepository(db bun.IDB, cacheSize int) (*Repository, error) {
	if cacheSize <= 0 {
		cacheSize = 128
	}
	cache, err := lru.New[string, []NodeFieldSummary](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create summary cache: %w", err)
	}
	return &Repository{db: db, summaries: cache}, nil
}

// Save stores both sides of d. A tracked diff replaces the previous diff with
// the same tracking id.
func (r *Repository) Save(ctx context.Context, d *EnrichedDiffs) error {
	now := timestamp.FromTime(time.Now())
	records := make([]*rootRecord, 0, 2)
	var summaries []*summaryRecord
	for _, side := range []struct {
		name string
		root *EnrichedDiffRoot
	}{{sideBase, d.Base}, {sideBranch, d.Branch}} {
		rec, err := encodeRoot(side.name, side.root, now)
		if err != nil {
			return err
		}
		records = append(records, rec)
		for _, s := range side.root.FieldSummaries() {
			summaries = append(summaries, encodeSummary(side.root.UUID, s))
		}
	}

	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if d.Branch.TrackingID != "" {
			var ids []string
			if err := tx.NewSelect().Model((*rootRecord)(nil)).Column("id").
				Where("tracking_id = ?", d.Branch.TrackingID).Scan(ctx, &ids); err != nil {
				return apperror.ErrDatabase.WithInternal(err)
			}
			if err := r.deleteRoots(ctx, tx, ids); err != nil {
				return err
			}
		}
		if _, err := tx.NewInsert().Model(&records).Exec(ctx); err != nil {
			return apperror.ErrDatabase.WithInternal(err)
		}
		if len(summaries) > 0 {
			if _, err := tx.NewInsert().Model(&summaries).Exec(ctx); err != nil {
				return apperror.ErrDatabase.WithInternal(err)
			}
		}
		return nil
	})
}

// Get returns the diff whose branch or base side has id.
func (r *Repository) Get(ctx context.Context, id string) (*EnrichedDiffs, error) {
	rec := new(rootRecord)
	err := r.db.NewSelect().Model(rec).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("diff", id)
	}
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return r.loadPair(ctx, rec)
}

// GetTracked returns the current diff with trackingID, or nil.
func (r *Repository) GetTracked(ctx context.Context, trackingID string) (*EnrichedDiffs, error) {
	rec := new(rootRecord)
	err := r.db.NewSelect().Model(rec).
		Where("tracking_id = ?", trackingID).
		Where("side = ?", sideBranch).
		OrderExpr("to_time DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return r.loadPair(ctx, rec)
}

// TrackedBranches returns the branches with a tracked diff against base.
func (r *Repository) TrackedBranches(ctx context.Context, base string) ([]string, error) {
	var names []string
	err := r.db.NewSelect().Model((*rootRecord)(nil)).
		Column("diff_branch").
		Where("base_branch = ?", base).
		Where("side = ?", sideBranch).
		Where("tracking_id <> ''").
		Group("diff_branch").
		Order("diff_branch").
		Scan(ctx, &names)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return names, nil
}

// GetNodeFieldSummaries returns the per-node changed fields of root id
// without decoding its payload.
func (r *Repository) GetNodeFieldSummaries(ctx context.Context, id string) ([]NodeFieldSummary, error) {
	if cached, ok := r.summaries.Get(id); ok {
		return cached, nil
	}
	var recs []*summaryRecord
	if err := r.db.NewSelect().Model(&recs).Where("root_id = ?", id).Order("node_id").Scan(ctx); err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	out := make([]NodeFieldSummary, 0, len(recs))
	for _, rec := range recs {
		s := NodeFieldSummary{NodeUUID: rec.NodeID, Kind: rec.Kind, Action: Action(rec.Action)}
		if err := decodeNames(rec.Attributes, &s.Attributes); err != nil {
			return nil, err
		}
		if err := decodeNames(rec.Relationships, &s.Relationships); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	r.summaries.Add(id, out)
	return out, nil
}

// DeleteForBranch removes every diff whose branch side is name.
func (r *Repository) DeleteForBranch(ctx context.Context, name string) error {
	var recs []*rootRecord
	if err := r.db.NewSelect().Model(&recs).Column("id", "partner_id").
		Where("diff_branch = ?", name).
		Where("side = ?", sideBranch).
		Scan(ctx); err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	ids := make([]string, 0, 2*len(recs))
	for _, rec := range recs {
		ids = append(ids, rec.ID, rec.PartnerID)
	}
	return r.deleteRoots(ctx, r.db, ids)
}

func (r *Repository) deleteRoots(ctx context.Context, db bun.IDB, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := db.NewDelete().Model((*summaryRecord)(nil)).Where("root_id IN (?)", bun.In(ids)).Exec(ctx); err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	if _, err := db.NewDelete().Model((*rootRecord)(nil)).Where("id IN (?)", bun.In(ids)).Exec(ctx); err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	for _, id := range ids {
		r.summaries.Remove(id)
	}
	return nil
}

func (r *Repository) loadPair(ctx context.Context, rec *rootRecord) (*EnrichedDiffs, error) {
	partner := new(rootRecord)
	if err := r.db.NewSelect().Model(partner).Where("id = ?", rec.PartnerID).Scan(ctx); err != nil {
		return nil, apperror.ErrDatabase.WithInternal(fmt.Errorf("load partner of diff %s: %w", rec.ID, err))
	}
	base, br := rec, partner
	if rec.Side == sideBase {
		base, br = partner, rec
	}
	d := &EnrichedDiffs{}
	var err error
	if d.Base, err = decodeRoot(base); err != nil {
		return nil, err
	}
	if d.Branch, err = decodeRoot(br); err != nil {
		return nil, err
	}
	d.Enrich()
	return d, nil
}

func encodeRoot(side string, root *EnrichedDiffRoot, now timestamp.Micros) (*rootRecord, error) {
	raw, err := json.Marshal(root)
	if err != nil {
		return nil, fmt.Errorf("encode diff %s: %w", root.UUID, err)
	}
	return &rootRecord{
		ID:            root.UUID,
		PartnerID:     root.PartnerUUID,
		Side:          side,
		BaseBranch:    root.BaseBranch,
		DiffBranch:    root.DiffBranch,
		TrackingID:    root.TrackingID,
		FromTime:      timestamp.FromTime(root.FromTime),
		ToTime:        timestamp.FromTime(root.ToTime),
		NodeCount:     len(root.Nodes),
		ConflictCount: len(root.Conflicts),
		Payload:       encoder.EncodeAll(raw, nil),
		CreatedAt:     now,
	}, nil
}

func decodeRoot(rec *rootRecord) (*EnrichedDiffRoot, error) {
	raw, err := decoder.DecodeAll(rec.Payload, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress diff %s: %w", rec.ID, err)
	}
	root := new(EnrichedDiffRoot)
	if err := json.Unmarshal(raw, root); err != nil {
		return nil, fmt.Errorf("decode diff %s: %w", rec.ID, err)
	}
	return root, nil
}

func encodeSummary(rootID string, s NodeFieldSummary) *summaryRecord {
	attrs, _ := json.Marshal(s.Attributes)
	rels, _ := json.Marshal(s.Relationships)
	return &summaryRecord{
		RootID:        rootID,
		NodeID:        s.NodeUUID,
		Kind:          s.Kind,
		Action:        string(s.Action),
		Attributes:    string(attrs),
		Relationships: string(rels),
	}
}

func decodeNames(raw string, into *[]string) error {
	if raw == "" || raw == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), into); err != nil {
		return fmt.Errorf("decode field summary: %w", err)
	}
	return nil
}
