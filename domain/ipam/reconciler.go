// Package ipam keeps the prefix and address hierarchy of IP nodes consistent
// after a branch changes them.
package ipam

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"

	"github.com/emergent-company/branchgraph/domain/diff"
	"github.com/emergent-company/branchgraph/domain/graph"
	"github.com/emergent-company/branchgraph/pkg/apperror"
	"github.com/emergent-company/branchgraph/pkg/logger"
)

// NodeManager is the subset of graph.Manager the reconciler needs.
type NodeManager interface {
	List(ctx context.Context, branchName, kind string) ([]*graph.Node, error)
	Update(ctx context.Context, branchName, id string, in graph.Input) (*graph.Node, error)
}

// Result counts the links a reconciliation rewrote.
type Result struct {
	Namespaces int `json:"namespaces"`
	Reparented int `json:"reparented"`
}

// Reconciler re-parents prefixes and addresses to their most specific
// containing prefix within the same namespace.
type Reconciler struct {
	kinds diff.IPAMKinds
	nodes NodeManager
	log   *slog.Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(kinds diff.IPAMKinds, nodes NodeManager, log *slog.Logger) *Reconciler {
	return &Reconciler{
		kinds: kinds,
		nodes: nodes,
		log:   log.With(logger.Scope("ipam")),
	}
}

type member struct {
	node      *graph.Node
	prefix    netip.Prefix
	isAddress bool
}

// Reconcile rebuilds the hierarchy of every namespace named in details on
// branchName. Records without a namespace are resolved from the stored node.
func (r *Reconciler) Reconcile(ctx context.Context, branchName string, details []diff.IPAMNodeDetails) (*Result, error) {
	if len(details) == 0 {
		return &Result{}, nil
	}

	prefixes, err := r.load(ctx, branchName, r.kinds.PrefixGeneric, false)
	if err != nil {
		return nil, err
	}
	addresses, err := r.load(ctx, branchName, r.kinds.AddressGeneric, true)
	if err != nil {
		return nil, err
	}

	byNode := make(map[string]string)
	byNamespace := make(map[string][]*member)
	for _, m := range append(prefixes, addresses...) {
		ns := r.namespace(m.node)
		byNode[m.node.ID()] = ns
		byNamespace[ns] = append(byNamespace[ns], m)
	}

	touched := make(map[string]bool)
	for _, d := range details {
		if d.NamespaceID != "" {
			touched[d.NamespaceID] = true
		} else if ns, ok := byNode[d.NodeUUID]; ok {
			touched[ns] = true
		}
	}
	namespaces := make([]string, 0, len(touched))
	for ns := range touched {
		namespaces = append(namespaces, ns)
	}
	sort.Strings(namespaces)

	res := &Result{Namespaces: len(namespaces)}
	for _, ns := range namespaces {
		n, err := r.reconcileNamespace(ctx, branchName, byNamespace[ns])
		if err != nil {
			return res, fmt.Errorf("reconcile namespace %s on %s: %w", ns, branchName, err)
		}
		res.Reparented += n
	}

	r.log.Info("ipam reconciled",
		slog.String("branch", branchName),
		slog.Int("nodes", len(details)),
		slog.Int("namespaces", res.Namespaces),
		slog.Int("reparented", res.Reparented))
	return res, nil
}

func (r *Reconciler) reconcileNamespace(ctx context.Context, branchName string, members []*member) (int, error) {
	var tree []*member
	for _, m := range members {
		if !m.isAddress {
			tree = append(tree, m)
		}
	}

	changed := 0
	for _, m := range members {
		parent := mostSpecificParent(tree, m)
		rel := r.kinds.ParentRel
		if m.isAddress {
			rel = r.kinds.AddressParentRel
		}
		if rel == "" || m.node.Definition().Relationship(rel) == nil {
			continue
		}

		var want []string
		if parent != nil {
			want = []string{parent.node.ID()}
		}
		if equalPeers(m.node.Peers(rel), want) {
			continue
		}
		if _, err := r.nodes.Update(ctx, branchName, m.node.ID(), graph.Input{
			Relationships: map[string][]string{rel: want},
		}); err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}

// mostSpecificParent returns the longest prefix of tree strictly containing
// m. Duplicate prefixes never parent each other.
func mostSpecificParent(tree []*member, m *member) *member {
	var best *member
	for _, p := range tree {
		if p == m || p.prefix.Addr().Is4() != m.prefix.Addr().Is4() {
			continue
		}
		if !m.isAddress && p.prefix.Bits() >= m.prefix.Bits() {
			continue
		}
		if !p.prefix.Contains(m.prefix.Addr()) {
			continue
		}
		if best == nil || p.prefix.Bits() > best.prefix.Bits() ||
			(p.prefix.Bits() == best.prefix.Bits() && p.node.ID() < best.node.ID()) {
			best = p
		}
	}
	return best
}

func (r *Reconciler) load(ctx context.Context, branchName, generic string, isAddress bool) ([]*member, error) {
	if generic == "" {
		return nil, nil
	}
	nodes, err := r.nodes.List(ctx, branchName, generic)
	if apperror.Is(err, apperror.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	attr := r.kinds.PrefixAttribute
	if isAddress {
		attr = r.kinds.AddressAttribute
	}
	out := make([]*member, 0, len(nodes))
	for _, n := range nodes {
		s, ok := n.Value(attr).(string)
		if !ok {
			continue
		}
		p, err := parseValue(s, isAddress)
		if err != nil {
			r.log.Warn("skipping unparsable ip value",
				slog.String("node", n.ID()),
				slog.String("value", s))
			continue
		}
		out = append(out, &member{node: n, prefix: p, isAddress: isAddress})
	}
	return out, nil
}

func (r *Reconciler) namespace(n *graph.Node) string {
	if r.kinds.NamespaceRel == "" {
		return ""
	}
	if peers := n.Peers(r.kinds.NamespaceRel); len(peers) > 0 {
		return peers[0]
	}
	return ""
}

// parseValue reads a network as its masked prefix and an address as a host
// route so both compare through Prefix.Contains.
func parseValue(s string, isAddress bool) (netip.Prefix, error) {
	if isAddress {
		if addr, err := netip.ParseAddr(s); err == nil {
			return netip.PrefixFrom(addr, addr.BitLen()), nil
		}
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return netip.PrefixFrom(p.Addr(), p.Addr().BitLen()), nil
	}
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return p.Masked(), nil
}

func equalPeers(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
