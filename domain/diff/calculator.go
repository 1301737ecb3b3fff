package diff

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/emergent-company/branchgraph/domain/branch"
	"github.com/emergent-company/branchgraph/domain/graph"
)

// Request describes one diff computation. Since, when set, restricts the
// computation to elements that changed in (Since, To] on either side while
// still measuring them against their state at From.
type Request struct {
	Base  *branch.Branch
	Diff  *branch.Branch
	From  time.Time
	To    time.Time
	Since time.Time
}

func (r Request) windowStart() time.Time {
	if !r.Since.IsZero() {
		return r.Since
	}
	return r.From
}

// Calculator computes the two sides of a diff from the graph store.
type Calculator struct {
	store *graph.Store
}

// NewCalculator creates a calculator reading from store.
func NewCalculator(store *graph.Store) *Calculator {
	return &Calculator{store: store}
}

// Calculate returns the base and branch sides of req with conflicts
// detected. Unchanged elements are kept only when req.Since is set, so a
// caller merging the result into an earlier diff can drop reverted elements.
func (c *Calculator) Calculate(ctx context.Context, req Request) (*EnrichedDiffs, error) {
	if !req.To.After(req.From) {
		return nil, fmt.Errorf("empty diff window (%s, %s]", req.From, req.To)
	}

	var baseSide, branchSide map[graph.ElementKey]*ElementDiff
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		baseSide, err = c.side(gctx, req.Base, req.Base.Name, req)
		return err
	})
	g.Go(func() error {
		var err error
		branchSide, err = c.side(gctx, req.Diff, req.Base.Name, req)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	keepUnchanged := !req.Since.IsZero()
	base := newRoot(req.Base.Name, req.Base.Name, req, elementList(baseSide, keepUnchanged))
	br := newRoot(req.Base.Name, req.Diff.Name, req, elementList(branchSide, keepUnchanged))
	base.PartnerUUID, br.PartnerUUID = br.UUID, base.UUID

	if !keepUnchanged {
		br.Conflicts = DetectConflicts(base.Elements, br.Elements)
	}
	diffs := &EnrichedDiffs{Base: base, Branch: br}
	diffs.Enrich()
	return diffs, nil
}

// side computes the element diffs written on b in the request window.
func (c *Calculator) side(ctx context.Context, b *branch.Branch, trunk string, req Request) (map[graph.ElementKey]*ElementDiff, error) {
	rows, err := c.store.ChangesInWindow(ctx, b.Name, req.windowStart(), req.To)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return map[graph.ElementKey]*ElementDiff{}, nil
	}

	final := make(map[graph.ElementKey]*graph.Change, len(rows))
	nodes := make(map[string]struct{})
	for _, r := range rows {
		final[r.Key()] = r
		nodes[r.NodeID] = struct{}{}
	}

	previous, err := c.store.StateAt(ctx, graph.ViewOf(b, trunk, req.From), graph.Filter{NodeIDs: sortedSet(nodes)})
	if err != nil {
		return nil, err
	}

	out := make(map[graph.ElementKey]*ElementDiff, len(final))
	for key, fin := range final {
		prev := previous[key]
		out[key] = &ElementDiff{
			Key:      key,
			Kind:     fin.Kind,
			Action:   actionOf(prev, fin),
			Previous: prev,
			Final:    fin,
		}
	}
	return out, nil
}

func actionOf(prev, fin *graph.Change) Action {
	prevActive := prev != nil && prev.IsActive()
	finActive := fin != nil && fin.IsActive()
	switch {
	case !prevActive && finActive:
		return ActionAdded
	case prevActive && !finActive:
		return ActionRemoved
	case prevActive && !graph.SameState(prev, fin):
		return ActionUpdated
	default:
		return ActionUnchanged
	}
}

func newRoot(base, diffBranch string, req Request, elements []*ElementDiff) *EnrichedDiffRoot {
	return &EnrichedDiffRoot{
		UUID:       uuid.NewString(),
		BaseBranch: base,
		DiffBranch: diffBranch,
		FromTime:   req.From,
		ToTime:     req.To,
		Elements:   elements,
	}
}

func elementList(m map[graph.ElementKey]*ElementDiff, keepUnchanged bool) []*ElementDiff {
	out := make([]*ElementDiff, 0, len(m))
	for _, e := range m {
		if e.Action == ActionUnchanged && !keepUnchanged {
			continue
		}
		out = append(out, e)
	}
	sortElements(out)
	return out
}

func sortElements(elements []*ElementDiff) {
	sort.Slice(elements, func(i, j int) bool {
		a, b := elements[i].Key, elements[j].Key
		if a.NodeID != b.NodeID {
			return a.NodeID < b.NodeID
		}
		if a.ElementType != b.ElementType {
			return a.ElementType < b.ElementType
		}
		if a.FieldName != b.FieldName {
			return a.FieldName < b.FieldName
		}
		return a.PeerID < b.PeerID
	})
}

func sortedSet(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
