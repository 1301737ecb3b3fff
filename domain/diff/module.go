package diff

import (
	"go.uber.org/fx"

	"github.com/emergent-company/branchgraph/domain/graph"
	"github.com/emergent-company/branchgraph/domain/registry"
	"github.com/emergent-company/branchgraph/internal/config"
)

// Module provides the calculator, repository, coordinator and IPAM parser.
var Module = fx.Module("diff",
	fx.Provide(
		newCalculator,
		newRepository,
		NewCoordinator,
		newIPAMParser,
	),
)

func newCalculator(m *graph.Manager) *Calculator {
	return NewCalculator(m.Store())
}

func newRepository(reg *registry.Registry, cfg *config.Config) (*Repository, error) {
	return NewRepository(reg.DB(), cfg.Diff.CacheSize)
}

func newIPAMParser(cfg *config.Config, m *graph.Manager) *IPAMParser {
	return NewIPAMParser(KindsFromConfig(cfg.IPAM), m)
}

// KindsFromConfig maps IPAM settings to parser kinds.
func KindsFromConfig(c config.IPAMConfig) IPAMKinds {
	return IPAMKinds{
		PrefixGeneric:    c.PrefixGeneric,
		AddressGeneric:   c.AddressGeneric,
		PrefixAttribute:  c.PrefixAttribute,
		AddressAttribute: c.AddressAttribute,
		NamespaceRel:     c.NamespaceRel,
		ParentRel:        c.ParentRel,
		AddressParentRel: c.AddressParentRel,
	}
}
