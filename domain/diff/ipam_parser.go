package diff

import (
	"context"
	"fmt"
	"sort"

	"github.com/emergent-company/branchgraph/domain/graph"
	"github.com/emergent-company/branchgraph/domain/schema"
	"github.com/emergent-company/branchgraph/pkg/apperror"
)

// IPAMNodeDetails is one IP prefix or address the IPAM reconciler must revisit.
type IPAMNodeDetails struct {
	NodeUUID    string `json:"node_uuid"`
	IsAddress   bool   `json:"is_address"`
	IsDelete    bool   `json:"is_delete"`
	NamespaceID string `json:"namespace_id"`
	IPValue     string `json:"ip_value"`
}

// IPAMKinds names the generics and fields that identify IPAM nodes.
type IPAMKinds struct {
	PrefixGeneric    string
	AddressGeneric   string
	PrefixAttribute  string
	AddressAttribute string
	NamespaceRel     string
	ParentRel        string
	AddressParentRel string
}

// NodeReader reads the current state of a node on a branch.
type NodeReader interface {
	Get(ctx context.Context, branchName, id string) (*graph.Node, error)
}

// IPAMParser extracts the IPAM nodes touched by a diff.
type IPAMParser struct {
	kinds IPAMKinds
	nodes NodeReader
}

// NewIPAMParser creates a parser.
func NewIPAMParser(kinds IPAMKinds, nodes NodeReader) *IPAMParser {
	return &IPAMParser{kinds: kinds, nodes: nodes}
}

// GetChangedIPAMNodeDetails returns one record per IP prefix or address
// added, removed or re-addressed on the branch side of diffs, as read on
// branchName. Removed prefixes also yield their surviving parent and
// children so they can be re-parented.
func (p *IPAMParser) GetChangedIPAMNodeDetails(ctx context.Context, diffs *EnrichedDiffs, branchName string, sch *schema.Processed) ([]IPAMNodeDetails, error) {
	found := make(map[string]IPAMNodeDetails)
	var neighbours []string

	for _, n := range diffs.Branch.Nodes {
		isPrefix := p.kinds.PrefixGeneric != "" && sch.IsKindOf(n.Kind, p.kinds.PrefixGeneric)
		isAddress := p.kinds.AddressGeneric != "" && sch.IsKindOf(n.Kind, p.kinds.AddressGeneric)
		if !isPrefix && !isAddress {
			continue
		}
		valueAttr := p.kinds.PrefixAttribute
		if isAddress {
			valueAttr = p.kinds.AddressAttribute
		}

		if n.Action == ActionRemoved {
			d := IPAMNodeDetails{NodeUUID: n.UUID, IsAddress: isAddress, IsDelete: true}
			if a := n.Attribute(valueAttr); a != nil {
				d.IPValue = fmt.Sprint(a.Previous)
			}
			if rel := n.Relationship(p.kinds.NamespaceRel); rel != nil && len(rel.Removed()) > 0 {
				d.NamespaceID = rel.Removed()[0]
			}
			found[n.UUID] = d
			if isPrefix {
				if rel := n.Relationship(p.kinds.ParentRel); rel != nil {
					neighbours = append(neighbours, rel.Removed()...)
				}
				neighbours = append(neighbours, p.children(diffs.Branch, n.UUID)...)
			}
			continue
		}

		if n.Action == ActionAdded || n.Attribute(valueAttr) != nil || n.Relationship(p.kinds.NamespaceRel) != nil {
			d, err := p.current(ctx, branchName, n.UUID, isAddress, valueAttr)
			if err != nil {
				return nil, err
			}
			found[n.UUID] = *d
		}
	}

	for _, id := range neighbours {
		if _, ok := found[id]; ok {
			continue
		}
		node, err := p.nodes.Get(ctx, branchName, id)
		if apperror.Is(err, apperror.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		isAddress := p.kinds.AddressGeneric != "" && sch.IsKindOf(node.Kind(), p.kinds.AddressGeneric)
		valueAttr := p.kinds.PrefixAttribute
		if isAddress {
			valueAttr = p.kinds.AddressAttribute
		}
		found[id] = p.details(node, isAddress, valueAttr)
	}

	out := make([]IPAMNodeDetails, 0, len(found))
	for _, d := range found {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeUUID < out[j].NodeUUID })
	return out, nil
}

// children returns the nodes whose parent link to id was removed in root.
func (p *IPAMParser) children(root *EnrichedDiffRoot, id string) []string {
	var out []string
	for _, n := range root.Nodes {
		if n.Action == ActionRemoved {
			continue
		}
		for _, name := range []string{p.kinds.ParentRel, p.kinds.AddressParentRel} {
			rel := n.Relationship(name)
			if rel == nil {
				continue
			}
			for _, peer := range rel.Removed() {
				if peer == id {
					out = append(out, n.UUID)
				}
			}
		}
	}
	return out
}

func (p *IPAMParser) current(ctx context.Context, branchName, id string, isAddress bool, valueAttr string) (*IPAMNodeDetails, error) {
	node, err := p.nodes.Get(ctx, branchName, id)
	if err != nil {
		return nil, err
	}
	d := p.details(node, isAddress, valueAttr)
	return &d, nil
}

func (p *IPAMParser) details(node *graph.Node, isAddress bool, valueAttr string) IPAMNodeDetails {
	d := IPAMNodeDetails{NodeUUID: node.ID(), IsAddress: isAddress}
	if v := node.Value(valueAttr); v != nil {
		d.IPValue = fmt.Sprint(v)
	}
	if peers := node.Peers(p.kinds.NamespaceRel); len(peers) > 0 {
		d.NamespaceID = peers[0]
	}
	return d
}
