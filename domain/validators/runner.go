package validators

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/emergent-company/branchgraph/domain/graph"
	"github.com/emergent-company/branchgraph/domain/schema"
	"github.com/emergent-company/branchgraph/pkg/logger"
	"github.com/emergent-company/branchgraph/pkg/tracing"
)

// checker returns the failure messages of one constraint on ds.
type checker func(ds *dataset, candidate *schema.Processed, path Path) []string

var checkers = map[Name]checker{
	AttributeUniqueUpdate:      checkUnique,
	AttributeOptionalUpdate:    checkAttributeRequired,
	AttributeRegexUpdate:       checkRegex,
	AttributeEnumUpdate:        checkEnum,
	AttributeKindUpdate:        checkKind,
	RelationshipOptionalUpdate: checkRelationshipRequired,
	RelationshipCountUpdate:    checkCount,
	RelationshipPeerUpdate:     checkPeer,
	NodeInheritFromUpdate:      checkInheritFrom,
}

// Runner checks constraints against the state a branch would have once
// combined with its trunk.
type Runner struct {
	store *graph.Store
	log   *slog.Logger
}

// NewRunner creates a runner.
func NewRunner(store *graph.Store, log *slog.Logger) *Runner {
	return &Runner{store: store, log: log.With(logger.Scope("validators"))}
}

// Validate runs every constraint concurrently against the live view of
// branchName over trunk at now, evaluated with candidate, and returns every
// failure message sorted.
func (r *Runner) Validate(ctx context.Context, branchName, trunk string, now time.Time, candidate *schema.Processed, constraints []Constraint) ([]string, error) {
	if len(constraints) == 0 {
		return nil, nil
	}
	ctx, span := tracing.Start(ctx, "validators.validate",
		attribute.String("branch.name", branchName),
		attribute.Int("constraints", len(constraints)),
	)
	defer span.End()

	for _, c := range constraints {
		if _, ok := checkers[c.Name]; !ok {
			return nil, fmt.Errorf("no validator for constraint %s", c.Name)
		}
	}

	state, err := r.store.StateAt(ctx, graph.View{Branch: branchName, Trunk: trunk, TrunkAt: now, At: now}, graph.Filter{})
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	ds := newDataset(state)

	var (
		mu       sync.Mutex
		messages []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, c := range constraints {
		check := checkers[c.Name]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			msgs := check(ds, candidate, c.Path)
			if len(msgs) > 0 {
				mu.Lock()
				messages = append(messages, msgs...)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	sort.Strings(messages)
	if len(messages) > 0 {
		r.log.Info("constraint validation failed",
			slog.String("branch", branchName),
			slog.Int("failures", len(messages)))
	}
	return messages, nil
}

// dataset is a read-only snapshot of active nodes.
type dataset struct {
	kinds map[string]string
	ids   []string
	attrs map[string]map[string]*graph.Change
	rels  map[string]map[string][]string
}

func newDataset(state graph.State) *dataset {
	ds := &dataset{
		kinds: make(map[string]string),
		attrs: make(map[string]map[string]*graph.Change),
		rels:  make(map[string]map[string][]string),
	}
	for key, c := range state {
		if key.ElementType == graph.ElementNode && c.IsActive() {
			ds.kinds[key.NodeID] = c.Kind
			ds.ids = append(ds.ids, key.NodeID)
		}
	}
	sort.Strings(ds.ids)
	for key, c := range state {
		if !c.IsActive() || ds.kinds[key.NodeID] == "" {
			continue
		}
		switch key.ElementType {
		case graph.ElementAttribute:
			if ds.attrs[key.NodeID] == nil {
				ds.attrs[key.NodeID] = make(map[string]*graph.Change)
			}
			ds.attrs[key.NodeID][key.FieldName] = c
		case graph.ElementRelationship:
			if ds.rels[key.NodeID] == nil {
				ds.rels[key.NodeID] = make(map[string][]string)
			}
			ds.rels[key.NodeID][key.FieldName] = append(ds.rels[key.NodeID][key.FieldName], key.PeerID)
		}
	}
	for _, byName := range ds.rels {
		for _, peers := range byName {
			sort.Strings(peers)
		}
	}
	return ds
}

// nodesOf returns the ids of nodes whose kind is or inherits kind.
func (ds *dataset) nodesOf(candidate *schema.Processed, kind string) []string {
	var out []string
	for _, id := range ds.ids {
		if candidate.IsKindOf(ds.kinds[id], kind) {
			out = append(out, id)
		}
	}
	return out
}

func (ds *dataset) value(id, attr string) any {
	c := ds.attrs[id][attr]
	if c == nil {
		return nil
	}
	v, _ := c.Decode()
	return v
}

// eachAttribute calls fn for every node of path.Kind with the attribute
// definition of its own kind.
func (ds *dataset) eachAttribute(candidate *schema.Processed, path Path, fn func(id string, a *schema.AttributeSchema)) {
	for _, id := range ds.nodesOf(candidate, path.Kind) {
		def, err := candidate.GetNode(ds.kinds[id])
		if err != nil {
			continue
		}
		if a := def.Attribute(path.Field); a != nil {
			fn(id, a)
		}
	}
}

func (ds *dataset) eachRelationship(candidate *schema.Processed, path Path, fn func(id string, r *schema.RelationshipSchema)) {
	for _, id := range ds.nodesOf(candidate, path.Kind) {
		def, err := candidate.GetNode(ds.kinds[id])
		if err != nil {
			continue
		}
		if r := def.Relationship(path.Field); r != nil {
			fn(id, r)
		}
	}
}

func checkUnique(ds *dataset, candidate *schema.Processed, path Path) []string {
	seen := make(map[string][]string)
	ds.eachAttribute(candidate, path, func(id string, a *schema.AttributeSchema) {
		if c := ds.attrs[id][a.Name]; c != nil && c.Value != "" && c.Value != "null" {
			seen[c.Value] = append(seen[c.Value], id)
		}
	})
	var out []string
	for value, ids := range seen {
		if len(ids) > 1 {
			out = append(out, fmt.Sprintf("%s: value %s is not unique (nodes %s)", path, value, strings.Join(ids, ", ")))
		}
	}
	return out
}

func checkAttributeRequired(ds *dataset, candidate *schema.Processed, path Path) []string {
	var out []string
	ds.eachAttribute(candidate, path, func(id string, a *schema.AttributeSchema) {
		if !a.Optional && a.Computed == nil && ds.value(id, a.Name) == nil {
			out = append(out, fmt.Sprintf("%s: node %s has no value", path, id))
		}
	})
	return out
}

func checkRegex(ds *dataset, candidate *schema.Processed, path Path) []string {
	var out []string
	ds.eachAttribute(candidate, path, func(id string, a *schema.AttributeSchema) {
		if a.Regex == "" {
			return
		}
		re, err := regexp.Compile(a.Regex)
		if err != nil {
			out = append(out, fmt.Sprintf("%s: invalid regex %q", path, a.Regex))
			return
		}
		if v, ok := ds.value(id, a.Name).(string); ok && !re.MatchString(v) {
			out = append(out, fmt.Sprintf("%s: node %s value %q does not match %s", path, id, v, a.Regex))
		}
	})
	return out
}

func checkEnum(ds *dataset, candidate *schema.Processed, path Path) []string {
	var out []string
	ds.eachAttribute(candidate, path, func(id string, a *schema.AttributeSchema) {
		v := ds.value(id, a.Name)
		if len(a.Enum) == 0 || v == nil {
			return
		}
		s := fmt.Sprint(v)
		for _, allowed := range a.Enum {
			if s == allowed {
				return
			}
		}
		out = append(out, fmt.Sprintf("%s: node %s value %q is not one of %s", path, id, s, strings.Join(a.Enum, ", ")))
	})
	return out
}

func checkKind(ds *dataset, candidate *schema.Processed, path Path) []string {
	var out []string
	ds.eachAttribute(candidate, path, func(id string, a *schema.AttributeSchema) {
		v := ds.value(id, a.Name)
		if v == nil {
			return
		}
		if _, err := graph.Coerce(a.Kind, v); err != nil {
			out = append(out, fmt.Sprintf("%s: node %s value is not a valid %s", path, id, a.Kind))
		}
	})
	return out
}

func checkRelationshipRequired(ds *dataset, candidate *schema.Processed, path Path) []string {
	var out []string
	ds.eachRelationship(candidate, path, func(id string, r *schema.RelationshipSchema) {
		if !r.Optional && len(ds.rels[id][r.Name]) == 0 {
			out = append(out, fmt.Sprintf("%s: node %s has no peer", path, id))
		}
	})
	return out
}

func checkCount(ds *dataset, candidate *schema.Processed, path Path) []string {
	var out []string
	ds.eachRelationship(candidate, path, func(id string, r *schema.RelationshipSchema) {
		n := len(ds.rels[id][r.Name])
		switch {
		case r.Cardinality == schema.CardinalityOne && n > 1:
			out = append(out, fmt.Sprintf("%s: node %s has %d peers, expected at most 1", path, id, n))
		case r.MinCount > 0 && n < r.MinCount:
			out = append(out, fmt.Sprintf("%s: node %s has %d peers, expected at least %d", path, id, n, r.MinCount))
		case r.MaxCount > 0 && n > r.MaxCount:
			out = append(out, fmt.Sprintf("%s: node %s has %d peers, expected at most %d", path, id, n, r.MaxCount))
		}
	})
	return out
}

func checkPeer(ds *dataset, candidate *schema.Processed, path Path) []string {
	var out []string
	ds.eachRelationship(candidate, path, func(id string, r *schema.RelationshipSchema) {
		for _, peer := range ds.rels[id][r.Name] {
			if kind, ok := ds.kinds[peer]; ok && !candidate.IsKindOf(kind, r.Peer) {
				out = append(out, fmt.Sprintf("%s: node %s peer %s is a %s, not a %s", path, id, peer, kind, r.Peer))
			}
		}
	})
	return out
}

// checkInheritFrom verifies that relationships pointing at nodes of
// path.Kind still accept them.
func checkInheritFrom(ds *dataset, candidate *schema.Processed, path Path) []string {
	var out []string
	for _, id := range ds.ids {
		def, err := candidate.GetNode(ds.kinds[id])
		if err != nil {
			continue
		}
		for _, r := range def.Relationships {
			for _, peer := range ds.rels[id][r.Name] {
				if ds.kinds[peer] != path.Kind || candidate.IsKindOf(path.Kind, r.Peer) {
					continue
				}
				out = append(out, fmt.Sprintf("%s: node %s is referenced by %s.%s of %s which expects a %s",
					path, peer, def.Kind(), r.Name, id, r.Peer))
			}
		}
	}
	return out
}
