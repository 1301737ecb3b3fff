// Package registry is the explicit, per-process view of branches and their
// processed schemas. It is populated at start and refreshed on branch events;
// nothing here is package-level state, so tests can run independent
// registries side by side.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/uptrace/bun"

	"github.com/emergent-company/branchgraph/domain/branch"
	"github.com/emergent-company/branchgraph/domain/schema"
	"github.com/emergent-company/branchgraph/pkg/apperror"
	"github.com/emergent-company/branchgraph/pkg/logger"
	"github.com/emergent-company/branchgraph/pkg/timestamp"
)

// Config names the two trunk branches.
type Config struct {
	DefaultBranch string
	GlobalBranch  string
}

// Registry holds branches and processed schemas keyed by branch name.
type Registry struct {
	cfg      Config
	db       bun.IDB
	branches *branch.Store
	schemas  *schema.Store
	clock    *timestamp.Clock
	log      *slog.Logger

	mu        sync.RWMutex
	byName    map[string]*branch.Branch
	processed map[string]*schema.Processed
}

// New creates an empty registry. Call Refresh before use.
func New(db bun.IDB, cfg Config, clock *timestamp.Clock, log *slog.Logger) *Registry {
	return &Registry{
		cfg:       cfg,
		db:        db,
		branches:  branch.NewStore(db),
		schemas:   schema.NewStore(db),
		clock:     clock,
		log:       log.With(logger.Scope("registry")),
		byName:    make(map[string]*branch.Branch),
		processed: make(map[string]*schema.Processed),
	}
}

// DB returns the database the registry reads from.
func (r *Registry) DB() bun.IDB { return r.db }

// Clock returns the change clock.
func (r *Registry) Clock() *timestamp.Clock { return r.clock }

// DefaultBranch returns the trunk branch name.
func (r *Registry) DefaultBranch() string { return r.cfg.DefaultBranch }

// GlobalBranch returns the global branch name.
func (r *Registry) GlobalBranch() string { return r.cfg.GlobalBranch }

// BranchStore and SchemaStore expose the stores bound to the registry DB.
func (r *Registry) BranchStore() *branch.Store { return r.branches }
func (r *Registry) SchemaStore() *schema.Store { return r.schemas }

// Refresh ensures the trunk branches exist and reloads every branch and
// schema from the database.
func (r *Registry) Refresh(ctx context.Context) error {
	now := r.clock.Now()
	if _, err := r.branches.EnsureDefault(ctx, r.cfg.DefaultBranch, now); err != nil {
		return fmt.Errorf("ensure default branch: %w", err)
	}
	if _, err := r.branches.EnsureGlobal(ctx, r.cfg.GlobalBranch, now); err != nil {
		return fmt.Errorf("ensure global branch: %w", err)
	}

	all, err := r.branches.List(ctx)
	if err != nil {
		return err
	}

	byName := make(map[string]*branch.Branch, len(all))
	processed := make(map[string]*schema.Processed, len(all))
	for _, b := range all {
		p, err := r.LoadSchema(ctx, b)
		if err != nil {
			return err
		}
		byName[b.Name] = b
		processed[b.Name] = p
	}

	r.mu.Lock()
	r.byName = byName
	r.processed = processed
	r.mu.Unlock()

	r.log.Debug("registry refreshed", slog.Int("branches", len(all)))
	return nil
}

// RefreshBranch reloads one branch and its schema, or drops it from the
// registry when it no longer exists.
func (r *Registry) RefreshBranch(ctx context.Context, name string) error {
	b, err := r.branches.GetByName(ctx, name)
	if apperror.Is(err, apperror.ErrBranchNotFound) {
		r.Remove(name)
		return nil
	}
	if err != nil {
		return err
	}
	p, err := r.LoadSchema(ctx, b)
	if err != nil {
		return err
	}
	r.Set(b, p)
	return nil
}

// TrunkFor returns the branch whose rows b overlays.
func (r *Registry) TrunkFor(b *branch.Branch) string {
	if b.IsGlobal {
		return b.Name
	}
	return r.cfg.DefaultBranch
}

// LoadSchema reads and processes the schema visible to b now.
func (r *Registry) LoadSchema(ctx context.Context, b *branch.Branch) (*schema.Processed, error) {
	return r.LoadSchemaWith(ctx, r.schemas, b)
}

// LoadSchemaWith is LoadSchema through a specific (usually tx-bound) store.
func (r *Registry) LoadSchemaWith(ctx context.Context, store *schema.Store, b *branch.Branch) (*schema.Processed, error) {
	sb, err := store.Load(ctx, b.SchemaView(r.TrunkFor(b), r.clock.Now()))
	if err != nil {
		return nil, err
	}
	p, err := sb.Process()
	if err != nil {
		return nil, fmt.Errorf("process schema of %s: %w", b.Name, err)
	}
	return p, nil
}

// Set records b and its processed schema. A nil schema keeps the current one.
func (r *Registry) Set(b *branch.Branch, p *schema.Processed) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[b.Name] = b.Clone()
	if p != nil {
		r.processed[b.Name] = p
	}
}

// SetSchema replaces the processed schema of name.
func (r *Registry) SetSchema(name string, p *schema.Processed) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processed[name] = p
}

// Remove drops name.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byName, name)
	delete(r.processed, name)
}

// Branch returns a copy of the registered branch called name.
func (r *Registry) Branch(name string) (*branch.Branch, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byName[name]
	if !ok {
		return nil, apperror.ErrBranchNotFound.WithMessage(fmt.Sprintf("branch '%s' not found", name))
	}
	return b.Clone(), nil
}

// Branches returns copies of every registered branch sorted by name.
func (r *Registry) Branches() []*branch.Branch {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*branch.Branch, 0, len(r.byName))
	for _, b := range r.byName {
		out = append(out, b.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Schema returns the processed schema of branch name.
func (r *Registry) Schema(name string) (*schema.Processed, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processed[name]
	if !ok {
		return nil, apperror.NewNotFound("schema for branch", name)
	}
	return p, nil
}

// Default returns the default branch and its schema.
func (r *Registry) Default() (*branch.Branch, *schema.Processed, error) {
	b, err := r.Branch(r.cfg.DefaultBranch)
	if err != nil {
		return nil, nil, err
	}
	p, err := r.Schema(b.Name)
	if err != nil {
		return nil, nil, err
	}
	return b, p, nil
}
