package graph

import (
	"context"
	"regexp"
	"strings"

	"github.com/emergent-company/branchgraph/domain/schema"
	"github.com/emergent-company/branchgraph/pkg/apperror"
)

var templateVar = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// renderComputed evaluates the jinja2 computed attributes of n. Only the
// {{ attr__value }} and {{ rel__attr__value }} forms accepted by schema
// processing are supported; unresolved references render empty.
func renderComputed(ctx context.Context, n *Node, loader NodeLoader) error {
	for _, attr := range n.def.Attributes {
		if attr.Computed == nil || attr.Computed.Kind != schema.ComputedJinja2 {
			continue
		}
		var renderErr error
		out := templateVar.ReplaceAllStringFunc(attr.Computed.Template, func(m string) string {
			path := templateVar.FindStringSubmatch(m)[1]
			s, err := lookupPath(ctx, n, strings.Split(path, "__"), loader)
			if err != nil && renderErr == nil {
				renderErr = err
			}
			return s
		})
		if renderErr != nil {
			return renderErr
		}
		var value any
		if out != "" {
			value = out
		}
		if err := n.assign(attr, value); err != nil {
			return err
		}
	}
	return nil
}

func lookupPath(ctx context.Context, n *Node, parts []string, loader NodeLoader) (string, error) {
	switch {
	case len(parts) == 2 && parts[1] == "value":
		return textOf(n.Value(parts[0])), nil
	case len(parts) == 3 && parts[2] == "value":
		peers := n.peers[parts[0]]
		if len(peers) == 0 {
			return "", nil
		}
		peer, err := loader.Load(ctx, peers[0])
		if apperror.Is(err, apperror.ErrNotFound) {
			return "", nil
		}
		if err != nil {
			return "", err
		}
		return textOf(peer.Value(parts[1])), nil
	default:
		return "", nil
	}
}

func textOf(v any) string {
	if v == nil {
		return ""
	}
	s, err := coerceToText(v)
	if err != nil {
		return ""
	}
	return s
}
