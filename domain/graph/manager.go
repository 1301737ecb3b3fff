package graph

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/emergent-company/branchgraph/domain/branch"
	"github.com/emergent-company/branchgraph/domain/registry"
	"github.com/emergent-company/branchgraph/domain/schema"
	"github.com/emergent-company/branchgraph/pkg/apperror"
	"github.com/emergent-company/branchgraph/pkg/logger"
	"github.com/emergent-company/branchgraph/pkg/timestamp"
)

// Input carries the fields of a create or update. Properties apply to every
// attribute named in Attributes.
type Input struct {
	Attributes    map[string]any      `json:"attributes,omitempty"`
	Relationships map[string][]string `json:"relationships,omitempty"`
	IsProtected   *bool               `json:"is_protected,omitempty"`
	Owner         string              `json:"owner,omitempty"`
	Source        string              `json:"source,omitempty"`
}

// Manager creates, updates, deletes and reads nodes on a branch.
type Manager struct {
	reg   *registry.Registry
	db    bun.IDB
	store *Store
	log   *slog.Logger
}

// NewManager creates a node manager reading branches and schemas from reg.
func NewManager(reg *registry.Registry, log *slog.Logger) *Manager {
	return &Manager{
		reg:   reg,
		db:    reg.DB(),
		store: NewStore(reg.DB()),
		log:   log.With(logger.Scope("graph")),
	}
}

// Store returns the underlying change store.
func (m *Manager) Store() *Store { return m.store }

// scope is one branch read at one instant.
type scope struct {
	branch *branch.Branch
	trunk  string
	view   View
	schema *schema.Processed
	store  *Store
}

// Load implements NodeLoader on the scope's view.
func (sc *scope) Load(ctx context.Context, id string) (*Node, error) {
	return sc.get(ctx, id)
}

func (sc *scope) advance(at time.Time) {
	sc.view = ViewOf(sc.branch, sc.trunk, at)
}

func (m *Manager) scope(branchName string, store *Store) (*scope, error) {
	b, err := m.reg.Branch(branchName)
	if err != nil {
		return nil, err
	}
	p, err := m.reg.Schema(branchName)
	if err != nil {
		return nil, err
	}
	trunk := m.reg.TrunkFor(b)
	return &scope{
		branch: b,
		trunk:  trunk,
		view:   ViewOf(b, trunk, m.reg.Clock().Now()),
		schema: p,
		store:  store,
	}, nil
}

// Loader returns a NodeLoader reading branchName as of now.
func (m *Manager) Loader(branchName string) (NodeLoader, error) {
	return m.scope(branchName, m.store)
}

func (sc *scope) get(ctx context.Context, id string) (*Node, error) {
	state, err := sc.store.StateAt(ctx, sc.view, Filter{NodeIDs: []string{id}})
	if err != nil {
		return nil, err
	}
	nodeRow, ok := state.Active(ElementKey{NodeID: id, ElementType: ElementNode})
	if !ok {
		return nil, apperror.NewNotFound("node", id)
	}
	def, err := sc.schema.GetNode(nodeRow.Kind)
	if err != nil {
		return nil, err
	}
	rows := make([]*Change, 0, len(state))
	for _, c := range state {
		rows = append(rows, c)
	}
	return hydrate(def, id, rows)
}

// Get returns node id as visible on branchName now.
func (m *Manager) Get(ctx context.Context, branchName, id string) (*Node, error) {
	sc, err := m.scope(branchName, m.store)
	if err != nil {
		return nil, err
	}
	return sc.get(ctx, id)
}

// List returns the nodes of kind, including kinds inheriting from it,
// sorted by id.
func (m *Manager) List(ctx context.Context, branchName, kind string) ([]*Node, error) {
	sc, err := m.scope(branchName, m.store)
	if err != nil {
		return nil, err
	}
	if !sc.schema.Has(kind) {
		return nil, apperror.NewNotFound("schema kind", kind)
	}
	var kinds []string
	for _, k := range sc.schema.NodeKinds() {
		if sc.schema.IsKindOf(k, kind) {
			kinds = append(kinds, k)
		}
	}
	if len(kinds) == 0 {
		return nil, nil
	}

	state, err := sc.store.StateAt(ctx, sc.view, Filter{Kinds: kinds})
	if err != nil {
		return nil, err
	}
	byNode := make(map[string][]*Change)
	for _, c := range state {
		byNode[c.NodeID] = append(byNode[c.NodeID], c)
	}

	ids := state.NodeIDs()
	sort.Strings(ids)
	nodes := make([]*Node, 0, len(ids))
	for _, id := range ids {
		nodeRow := state[ElementKey{NodeID: id, ElementType: ElementNode}]
		def, err := sc.schema.GetNode(nodeRow.Kind)
		if err != nil {
			return nil, err
		}
		n, err := hydrate(def, id, byNode[id])
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// Create adds a node of kind on branchName.
func (m *Manager) Create(ctx context.Context, branchName, kind string, in Input) (*Node, error) {
	var created *Node
	err := m.inTx(ctx, branchName, func(ctx context.Context, sc *scope) error {
		def, err := sc.schema.GetNode(kind)
		if err != nil {
			return err
		}
		n, err := NewNode(def, uuid.NewString())
		if err != nil {
			return err
		}
		for _, attr := range def.Attributes {
			if attr.DefaultValue != nil && attr.Computed == nil {
				if err := n.assign(attr, attr.DefaultValue); err != nil {
					return err
				}
			}
		}
		if err := m.prepare(ctx, sc, n, in); err != nil {
			return err
		}

		after, err := n.elements()
		if err != nil {
			return err
		}
		if err := m.write(ctx, sc, diffElements(nil, after), m.reg.Clock().Now()); err != nil {
			return err
		}
		created = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.log.Debug("node created", slog.String("branch", branchName), slog.String("kind", kind), slog.String("id", created.ID()))
	return created, nil
}

// Update applies in to node id on branchName and refreshes computed
// attributes of nodes that derive from the changed fields.
func (m *Manager) Update(ctx context.Context, branchName, id string, in Input) (*Node, error) {
	var updated *Node
	err := m.inTx(ctx, branchName, func(ctx context.Context, sc *scope) error {
		n, err := sc.get(ctx, id)
		if err != nil {
			return err
		}
		before, err := n.elements()
		if err != nil {
			return err
		}
		if err := m.prepare(ctx, sc, n, in); err != nil {
			return err
		}
		after, err := n.elements()
		if err != nil {
			return err
		}

		rows := diffElements(before, after)
		updated = n
		if len(rows) == 0 {
			return nil
		}
		at := m.reg.Clock().Now()
		if err := m.write(ctx, sc, rows, at); err != nil {
			return err
		}

		sc.advance(at)
		return m.propagate(ctx, sc, n, rows, at)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete removes node id and every relationship pointing at it.
func (m *Manager) Delete(ctx context.Context, branchName, id string) error {
	return m.inTx(ctx, branchName, func(ctx context.Context, sc *scope) error {
		n, err := sc.get(ctx, id)
		if err != nil {
			return err
		}
		before, err := n.elements()
		if err != nil {
			return err
		}
		rows := diffElements(before, nil)

		referrers, err := sc.store.StateAt(ctx, sc.view, Filter{PeerID: id})
		if err != nil {
			return err
		}
		var referrerIDs []string
		for _, c := range referrers {
			if c.ElementType != ElementRelationship || !c.IsActive() || c.NodeID == id {
				continue
			}
			gone := *c
			gone.Status = StatusDeleted
			rows = append(rows, &gone)
			referrerIDs = append(referrerIDs, c.NodeID)
		}

		at := m.reg.Clock().Now()
		if err := m.write(ctx, sc, rows, at); err != nil {
			return err
		}
		sc.advance(at)
		return m.recompute(ctx, sc, referrerIDs, at)
	})
}

func (m *Manager) inTx(ctx context.Context, branchName string, fn func(ctx context.Context, sc *scope) error) error {
	return m.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		sc, err := m.scope(branchName, m.store.WithTx(tx))
		if err != nil {
			return err
		}
		return fn(ctx, sc)
	})
}

// prepare applies in to n, renders computed attributes and validates the
// result against the schema and the branch data.
func (m *Manager) prepare(ctx context.Context, sc *scope, n *Node, in Input) error {
	for _, name := range sortedKeys(in.Attributes) {
		if err := n.Set(name, in.Attributes[name]); err != nil {
			return err
		}
		if in.IsProtected != nil || in.Owner != "" || in.Source != "" {
			a := n.Attribute(name)
			protected := a.IsProtected
			if in.IsProtected != nil {
				protected = *in.IsProtected
			}
			owner, source := a.Owner.ID(), a.Source.ID()
			if in.Owner != "" {
				owner = in.Owner
			}
			if in.Source != "" {
				source = in.Source
			}
			if err := n.SetProperties(name, protected, owner, source); err != nil {
				return err
			}
		}
	}
	for _, name := range sortedKeys(in.Relationships) {
		if err := n.SetPeers(name, in.Relationships[name]); err != nil {
			return err
		}
		if err := m.checkPeers(ctx, sc, n, name); err != nil {
			return err
		}
	}
	if err := renderComputed(ctx, n, sc); err != nil {
		return err
	}
	if err := n.Validate(); err != nil {
		return err
	}
	return m.checkUnique(ctx, sc, n)
}

func (m *Manager) checkPeers(ctx context.Context, sc *scope, n *Node, relName string) error {
	rel := n.def.Relationship(relName)
	for _, peerID := range n.Peers(relName) {
		peer, err := sc.get(ctx, peerID)
		if err != nil {
			return err
		}
		if !sc.schema.IsKindOf(peer.Kind(), rel.Peer) {
			return apperror.NewBadRequest(fmt.Sprintf("%s.%s expects %s, got %s", n.Kind(), relName, rel.Peer, peer.Kind()))
		}
	}
	return nil
}

func (m *Manager) checkUnique(ctx context.Context, sc *scope, n *Node) error {
	var state State
	var msgs []string
	for _, attr := range n.def.Attributes {
		if !attr.Unique || n.Value(attr.Name) == nil {
			continue
		}
		if state == nil {
			var err error
			state, err = sc.store.StateAt(ctx, sc.view, Filter{Kinds: []string{n.Kind()}})
			if err != nil {
				return err
			}
		}
		encoded, err := EncodeValue(n.Value(attr.Name))
		if err != nil {
			return err
		}
		for key, c := range state {
			if key.ElementType != ElementAttribute || key.FieldName != attr.Name || key.NodeID == n.id {
				continue
			}
			if !c.IsActive() || c.Value != encoded {
				continue
			}
			if _, alive := state.Active(ElementKey{NodeID: key.NodeID, ElementType: ElementNode}); alive {
				msgs = append(msgs, fmt.Sprintf("%s.%s must be unique, %s already used by %s", n.Kind(), attr.Name, encoded, key.NodeID))
				break
			}
		}
	}
	if len(msgs) > 0 {
		return apperror.NewValidationFailed(msgs)
	}
	return nil
}

// propagate refreshes computed attributes of other nodes whose templates
// read the attributes changed in rows.
func (m *Manager) propagate(ctx context.Context, sc *scope, n *Node, rows []*Change, at time.Time) error {
	kinds := append([]string{n.Kind()}, n.def.InheritFrom...)
	targetKinds := make(map[string]bool)
	for _, c := range rows {
		if c.ElementType != ElementAttribute || c.NodeID != n.id {
			continue
		}
		for _, k := range kinds {
			for _, t := range sc.schema.ImpactedTargets(k, c.FieldName) {
				if t.Kind != n.Kind() {
					targetKinds[t.Kind] = true
				}
			}
		}
	}
	if len(targetKinds) == 0 {
		return nil
	}

	referrers, err := sc.store.StateAt(ctx, sc.view, Filter{PeerID: n.id})
	if err != nil {
		return err
	}
	seen := make(map[string]bool)
	var ids []string
	for _, c := range referrers {
		if c.ElementType != ElementRelationship || !c.IsActive() || seen[c.NodeID] {
			continue
		}
		for k := range targetKinds {
			if sc.schema.IsKindOf(c.Kind, k) {
				seen[c.NodeID] = true
				ids = append(ids, c.NodeID)
				break
			}
		}
	}
	return m.recompute(ctx, sc, ids, at)
}

// recompute re-renders the computed attributes of ids and writes those that
// changed.
func (m *Manager) recompute(ctx context.Context, sc *scope, ids []string, at time.Time) error {
	sort.Strings(ids)
	var rows []*Change
	for _, id := range ids {
		r, err := sc.get(ctx, id)
		if apperror.Is(err, apperror.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		before, err := r.elements()
		if err != nil {
			return err
		}
		if err := renderComputed(ctx, r, sc); err != nil {
			return err
		}
		after, err := r.elements()
		if err != nil {
			return err
		}
		rows = append(rows, diffElements(before, after)...)
	}
	return m.write(ctx, sc, rows, at)
}

func (m *Manager) write(ctx context.Context, sc *scope, rows []*Change, at time.Time) error {
	for _, c := range rows {
		c.ID = ""
		c.Branch = sc.branch.Name
		c.ChangedAt = timestamp.FromTime(at)
	}
	_, err := sc.store.Append(ctx, rows)
	return err
}

// diffElements returns the rows that turn before into after: changed or new
// elements as they are in after, and missing ones as deletions.
func diffElements(before, after map[ElementKey]*Change) []*Change {
	var rows []*Change
	for key, c := range after {
		if !SameState(before[key], c) {
			cp := *c
			rows = append(rows, &cp)
		}
	}
	for key, c := range before {
		if _, ok := after[key]; ok || !c.IsActive() {
			continue
		}
		gone := *c
		gone.Status = StatusDeleted
		gone.Value = ""
		rows = append(rows, &gone)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Key().Path() < rows[j].Key().Path() })
	return rows
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
