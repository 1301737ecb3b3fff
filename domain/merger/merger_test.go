package merger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergent-company/branchgraph/domain/branch"
	"github.com/emergent-company/branchgraph/domain/diff"
	"github.com/emergent-company/branchgraph/domain/graph"
	"github.com/emergent-company/branchgraph/domain/lock"
	"github.com/emergent-company/branchgraph/domain/registry"
	"github.com/emergent-company/branchgraph/domain/schema"
	"github.com/emergent-company/branchgraph/domain/schemamigration"
	"github.com/emergent-company/branchgraph/domain/validators"
	"github.com/emergent-company/branchgraph/internal/database"
	"github.com/emergent-company/branchgraph/internal/testutil"
	"github.com/emergent-company/branchgraph/pkg/apperror"
	"github.com/emergent-company/branchgraph/pkg/timestamp"
)

type fixture struct {
	reg     *registry.Registry
	manager *graph.Manager
	coord   *diff.Coordinator
	merger  *Merger
}

func infraSchema() []*schema.Definition {
	site := schema.NodeSchema("Infra", "Site").WithAttributes(
		&schema.AttributeSchema{Name: "name", Kind: schema.KindText},
	)
	device := schema.NodeSchema("Infra", "Device").WithAttributes(
		&schema.AttributeSchema{Name: "name", Kind: schema.KindText, Unique: true},
		&schema.AttributeSchema{Name: "role", Kind: schema.KindText, Optional: true},
		&schema.AttributeSchema{Name: "mtu", Kind: schema.KindNumber, Optional: true, DefaultValue: 1500},
	).WithRelationships(
		&schema.RelationshipSchema{Name: "site", Peer: "InfraSite", Cardinality: schema.CardinalityOne, Optional: true},
	)
	return []*schema.Definition{site, device}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	var models []any
	var indexes []database.Index
	for _, tables := range []func() ([]any, []database.Index){branch.Tables, schema.Tables, graph.Tables, diff.Tables} {
		m, i := tables()
		models = append(models, m...)
		indexes = append(indexes, i...)
	}
	db := testutil.NewSQLiteDB(t, models, indexes...)
	log := testutil.Logger(t)
	reg := registry.New(db, registry.Config{DefaultBranch: "main", GlobalBranch: "-global-"}, timestamp.NewClock(), log)
	require.NoError(t, reg.Refresh(ctx))

	sb := schema.NewSchemaBranch("main")
	sb.Load(infraSchema()...)
	_, err := reg.SchemaStore().SaveAll(ctx, "main", sb, reg.Clock().Now())
	require.NoError(t, err)
	require.NoError(t, reg.RefreshBranch(ctx, "main"))

	manager := graph.NewManager(reg, log)
	repo, err := diff.NewRepository(db, 16)
	require.NoError(t, err)
	coord := diff.NewCoordinator(reg, diff.NewCalculator(manager.Store()), repo, log)
	locks := lock.NewRegistry(lock.NewLocalLocker(time.Second), log)

	return &fixture{
		reg:     reg,
		manager: manager,
		coord:   coord,
		merger: New(reg, locks, coord,
			validators.NewRunner(manager.Store(), log),
			schemamigration.NewApplier(reg, log),
			diff.NewIPAMParser(diff.IPAMKinds{}, manager),
			log),
	}
}

func (f *fixture) branch(t *testing.T, name string) {
	t.Helper()
	ctx := context.Background()
	main, err := f.reg.Schema("main")
	require.NoError(t, err)
	b := &branch.Branch{
		Name: name, OriginBranch: "main", HierarchyLevel: branch.LevelUser,
		IsIsolated: true, Status: branch.StatusOpen,
		BranchedFrom: timestamp.FromTime(f.reg.Clock().Now()),
	}
	b.UpdateSchemaHash(main.Hash())
	b.BranchPointHash = main.Hash().Main
	require.NoError(t, f.reg.BranchStore().Create(ctx, b))
	require.NoError(t, f.reg.RefreshBranch(ctx, name))
}

func (f *fixture) device(t *testing.T, branchName, name string) *graph.Node {
	t.Helper()
	n, err := f.manager.Create(context.Background(), branchName, "InfraDevice", graph.Input{Attributes: map[string]any{"name": name}})
	require.NoError(t, err)
	return n
}

func (f *fixture) update(t *testing.T, branchName, id string, attrs map[string]any) {
	t.Helper()
	_, err := f.manager.Update(context.Background(), branchName, id, graph.Input{Attributes: attrs})
	require.NoError(t, err)
}

func (f *fixture) value(t *testing.T, branchName, id, attr string) any {
	t.Helper()
	n, err := f.manager.Get(context.Background(), branchName, id)
	require.NoError(t, err)
	return n.Value(attr)
}

// addDeviceAttribute changes the InfraDevice schema on branchName and records
// the new hash.
func (f *fixture) addDeviceAttribute(t *testing.T, branchName string, attr *schema.AttributeSchema) {
	t.Helper()
	ctx := context.Background()
	current, err := f.reg.Schema(branchName)
	require.NoError(t, err)
	next := current.Duplicate(branchName)
	dev, err := next.Get("InfraDevice")
	require.NoError(t, err)
	dev.Attributes = append(dev.Attributes, attr)
	next.Set(dev)

	_, err = f.reg.SchemaStore().SaveDiff(ctx, branchName, current.Source().Diff(next), next, f.reg.Clock().Now())
	require.NoError(t, err)
	processed, err := next.Process()
	require.NoError(t, err)

	b, err := f.reg.Branch(branchName)
	require.NoError(t, err)
	b.UpdateSchemaHash(processed.Hash())
	require.NoError(t, f.reg.BranchStore().Save(ctx, b))
	require.NoError(t, f.reg.RefreshBranch(ctx, branchName))
}

func (f *fixture) latestMainChange(t *testing.T) time.Time {
	t.Helper()
	at, err := f.manager.Store().LatestChange(context.Background(), "main")
	require.NoError(t, err)
	return at
}

func TestRebase_WithoutOverlapSucceeds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	dev := f.device(t, "main", "r1")
	f.branch(t, "cr1")

	f.update(t, "main", dev.ID(), map[string]any{"role": "edge"})
	f.update(t, "cr1", dev.ID(), map[string]any{"mtu": 9000})
	require.Nil(t, f.value(t, "cr1", dev.ID(), "role"))

	res, err := f.merger.Rebase(ctx, "cr1")
	require.NoError(t, err)

	assert.Equal(t, []State{StateStart, StateDiffComputed, StateConflictChecked, StateValidated, StateDataCommitted, StateDone}, res.States)
	assert.Equal(t, "edge", f.value(t, "cr1", dev.ID(), "role"))
	assert.EqualValues(t, 9000, f.value(t, "cr1", dev.ID(), "mtu"))
	assert.EqualValues(t, 1500, f.value(t, "main", dev.ID(), "mtu"))

	tracked, err := f.coord.GetTracked(ctx, "cr1")
	require.NoError(t, err)
	require.NotNil(t, tracked)
	assert.True(t, tracked.Base.IsEmpty())
	assert.NotNil(t, tracked.Branch.Node(dev.ID()).Attribute("mtu"))
	assert.True(t, tracked.Branch.FromTime.Equal(res.Branch.BranchedFromTime()))
}

func TestRebase_TwiceIsNoOp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	dev := f.device(t, "main", "r1")
	f.branch(t, "cr1")
	f.update(t, "main", dev.ID(), map[string]any{"role": "edge"})

	_, err := f.merger.Rebase(ctx, "cr1")
	require.NoError(t, err)

	res, err := f.merger.Rebase(ctx, "cr1")
	require.NoError(t, err)
	assert.True(t, res.Diff.Base.IsEmpty())
	assert.True(t, res.Diff.Branch.IsEmpty())
	assert.Empty(t, res.Migrations)
	assert.Equal(t, "edge", f.value(t, "cr1", dev.ID(), "role"))
}

func TestRebase_SchemaHashFollowsTrunk(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	dev := f.device(t, "main", "r1")
	f.branch(t, "cr1")

	f.addDeviceAttribute(t, "main", &schema.AttributeSchema{Name: "serial", Kind: schema.KindText, Optional: true})
	f.update(t, "main", dev.ID(), map[string]any{"serial": "X1"})

	d, err := f.coord.Calculate(ctx, mustBranch(t, f, "main"), mustBranch(t, f, "cr1"))
	require.NoError(t, err)
	require.Len(t, d.Base.Nodes, 1)
	assert.Equal(t, diff.ActionAdded, d.Base.Node(dev.ID()).Attribute("serial").Action)
	assert.Empty(t, d.Conflicts())

	res, err := f.merger.Rebase(ctx, "cr1")
	require.NoError(t, err)

	mainSchema, err := f.reg.Schema("main")
	require.NoError(t, err)
	assert.Equal(t, mainSchema.Hash(), res.Branch.SchemaHash())
	assert.False(t, res.Branch.HasSchemaChanges())
	assert.Contains(t, res.States, StateSchemaApplied)
	assert.Equal(t, "X1", f.value(t, "cr1", dev.ID(), "serial"))
}

func TestRebaseAndMerge_ConflictBlocksWithoutWrites(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	dev := f.device(t, "main", "r1")
	f.branch(t, "cr1")

	f.update(t, "cr1", dev.ID(), map[string]any{"role": "A"})
	f.update(t, "main", dev.ID(), map[string]any{"role": "B"})
	before := f.latestMainChange(t)
	cr1Before := mustBranch(t, f, "cr1")

	for _, op := range []func(context.Context, string) (*Result, error){f.merger.Merge, f.merger.Rebase} {
		_, err := op(ctx, "cr1")
		require.Error(t, err)
		assert.True(t, apperror.Is(err, apperror.ErrConflict))
		appErr, ok := apperror.As(err)
		require.True(t, ok)
		assert.Equal(t, []string{dev.ID() + "/role"}, appErr.Details["conflicts"])
	}

	assert.Equal(t, before, f.latestMainChange(t))
	assert.Equal(t, "B", f.value(t, "main", dev.ID(), "role"))
	assert.Equal(t, "A", f.value(t, "cr1", dev.ID(), "role"))
	cr1 := mustBranch(t, f, "cr1")
	assert.Equal(t, branch.StatusOpen, cr1.Status)
	assert.Equal(t, cr1Before.BranchedFrom, cr1.BranchedFrom)
}

func TestRebase_ValidationFailureListsEveryMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.device(t, "main", "r1")
	f.device(t, "main", "r2")
	f.branch(t, "cr1")

	// Each side creates a device whose name clashes once combined.
	f.device(t, "main", "r3")
	f.device(t, "cr1", "r3")

	_, err := f.merger.Rebase(ctx, "cr1")
	require.Error(t, err)
	assert.True(t, apperror.Is(err, apperror.ErrValidationFailed))
	appErr, ok := apperror.As(err)
	require.True(t, ok)
	require.Len(t, appErr.Messages(), 1)
	assert.Contains(t, appErr.Messages()[0], `InfraDevice.name: value "r3" is not unique`)
}

func TestMerge_AppliesBranchChanges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	dev := f.device(t, "main", "r1")
	f.branch(t, "cr1")

	f.update(t, "cr1", dev.ID(), map[string]any{"role": "core"})
	added := f.device(t, "cr1", "r9")
	f.update(t, "main", dev.ID(), map[string]any{"mtu": 9000})

	res, err := f.merger.Merge(ctx, "cr1")
	require.NoError(t, err)

	assert.Equal(t, StateDone, res.States[len(res.States)-1])
	assert.Equal(t, branch.StatusMerged, res.Branch.Status)
	assert.Equal(t, branch.StatusMerged, mustBranch(t, f, "cr1").Status)
	assert.Equal(t, "core", f.value(t, "main", dev.ID(), "role"))
	assert.EqualValues(t, 9000, f.value(t, "main", dev.ID(), "mtu"))
	assert.Equal(t, "r9", f.value(t, "main", added.ID(), "name"))

	_, err = f.merger.Merge(ctx, "cr1")
	assert.True(t, apperror.Is(err, apperror.ErrBadRequest))
}

func TestMerge_SchemaChangeIsMergedAndMigrated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	dev := f.device(t, "main", "r1")
	f.branch(t, "cr1")

	f.addDeviceAttribute(t, "cr1", &schema.AttributeSchema{Name: "asset", Kind: schema.KindText, Optional: true, DefaultValue: "unknown"})
	require.True(t, mustBranch(t, f, "cr1").HasSchemaChanges())

	res, err := f.merger.Merge(ctx, "cr1")
	require.NoError(t, err)

	mainSchema, err := f.reg.Schema("main")
	require.NoError(t, err)
	def, err := mainSchema.GetNode("InfraDevice")
	require.NoError(t, err)
	assert.NotNil(t, def.Attribute("asset"))
	assert.Equal(t, mainSchema.Hash().Main, res.Trunk.SchemaHashMain)
	assert.Contains(t, res.States, StateSchemaApplied)
	assert.Contains(t, res.States, StateMigrated)
	require.Len(t, res.Migrations, 1)
	assert.Equal(t, schema.MigrationNodeAttributeAdd, res.Migrations[0].Name)
	assert.Empty(t, res.MigrationErrors)
	assert.Equal(t, "unknown", f.value(t, "main", dev.ID(), "asset"))
}

func TestMerge_FailureRollsBack(t *testing.T) {
	tests := []struct {
		name   string
		failAt State
	}{
		{name: "after data commit", failAt: StateDataCommitted},
		{name: "after schema commit", failAt: StateSchemaApplied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			dev := f.device(t, "main", "r1")
			f.branch(t, "cr1")
			f.update(t, "cr1", dev.ID(), map[string]any{"role": "core"})
			f.addDeviceAttribute(t, "cr1", &schema.AttributeSchema{Name: "asset", Kind: schema.KindText, Optional: true})

			mainBefore := mustBranch(t, f, "main")
			schemaBefore, err := f.reg.Schema("main")
			require.NoError(t, err)
			latestBefore := f.latestMainChange(t)

			boom := errors.New("boom")
			f.merger.hook = func(s State) error {
				if s == tt.failAt {
					return boom
				}
				return nil
			}

			_, err = f.merger.Merge(ctx, "cr1")
			require.Error(t, err)
			assert.True(t, apperror.Is(err, apperror.ErrMergeFailed))
			assert.ErrorIs(t, err, boom)

			assert.Nil(t, f.value(t, "main", dev.ID(), "role"))
			assert.Equal(t, latestBefore, f.latestMainChange(t))
			assert.Equal(t, branch.StatusOpen, mustBranch(t, f, "cr1").Status)
			assert.Equal(t, mainBefore.SchemaHashMain, mustBranch(t, f, "main").SchemaHashMain)

			schemaAfter, err := f.reg.Schema("main")
			require.NoError(t, err)
			assert.Equal(t, schemaBefore.Hash(), schemaAfter.Hash())
			kinds, err := f.reg.SchemaStore().ChangedKinds(ctx, "main", latestBefore)
			require.NoError(t, err)
			assert.Empty(t, kinds)
		})
	}
}

func TestRebaseAndMerge_ConflictAfterValidationBlocksWrite(t *testing.T) {
	tests := []struct {
		name string
		op   func(*Merger) func(context.Context, string) (*Result, error)
	}{
		{name: "merge", op: func(m *Merger) func(context.Context, string) (*Result, error) { return m.Merge }},
		{name: "rebase", op: func(m *Merger) func(context.Context, string) (*Result, error) { return m.Rebase }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			dev := f.device(t, "main", "r1")
			f.branch(t, "cr1")
			f.update(t, "cr1", dev.ID(), map[string]any{"role": "A"})
			cr1Before := mustBranch(t, f, "cr1")

			// The trunk moves once validation has passed but before the commit.
			var moved time.Time
			f.merger.hook = func(s State) error {
				if s == StateValidated {
					f.update(t, "main", dev.ID(), map[string]any{"role": "B"})
					moved = f.latestMainChange(t)
				}
				return nil
			}
			_, err := tt.op(f.merger)(ctx, "cr1")
			require.Error(t, err)
			assert.True(t, apperror.Is(err, apperror.ErrConflict), err.Error())
			assert.False(t, apperror.Is(err, apperror.ErrMergeFailed))
			appErr, ok := apperror.As(err)
			require.True(t, ok)
			assert.Equal(t, []string{dev.ID() + "/role"}, appErr.Details["conflicts"])

			assert.Equal(t, "B", f.value(t, "main", dev.ID(), "role"))
			assert.Equal(t, "A", f.value(t, "cr1", dev.ID(), "role"))
			cr1 := mustBranch(t, f, "cr1")
			assert.Equal(t, branch.StatusOpen, cr1.Status)
			assert.Equal(t, cr1Before.BranchedFrom, cr1.BranchedFrom)
			assert.Equal(t, moved, f.latestMainChange(t))
		})
	}
}

func TestMerge_IncludesBranchWritesMadeAfterValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.device(t, "main", "r1")
	f.branch(t, "cr1")
	f.device(t, "cr1", "r2")

	var late *graph.Node
	f.merger.hook = func(s State) error {
		if s == StateValidated {
			late = f.device(t, "cr1", "r3")
		}
		return nil
	}

	res, err := f.merger.Merge(ctx, "cr1")
	require.NoError(t, err)
	require.NotNil(t, late)
	assert.Equal(t, "r3", f.value(t, "main", late.ID(), "name"))
	assert.NotNil(t, res.Diff.Branch.Node(late.ID()))
}

func TestMerge_SchemaWriteWaitsForSchemaLock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	dev := f.device(t, "main", "r1")
	f.branch(t, "cr1")
	f.branch(t, "cr2")
	f.update(t, "cr1", dev.ID(), map[string]any{"role": "core"})
	f.addDeviceAttribute(t, "cr1", &schema.AttributeSchema{Name: "asset", Kind: schema.KindText, Optional: true})
	other := f.device(t, "cr2", "r2")

	schemaBefore, err := f.reg.Schema("main")
	require.NoError(t, err)
	latestBefore := f.latestMainChange(t)

	held, err := f.merger.locks.GlobalSchemaLock(ctx)
	require.NoError(t, err)

	_, err = f.merger.Merge(ctx, "cr1")
	require.Error(t, err)
	assert.True(t, apperror.Is(err, apperror.ErrLockTimeout), err.Error())
	assert.Nil(t, f.value(t, "main", dev.ID(), "role"))
	assert.Equal(t, latestBefore, f.latestMainChange(t))
	assert.Equal(t, branch.StatusOpen, mustBranch(t, f, "cr1").Status)
	schemaAfter, err := f.reg.Schema("main")
	require.NoError(t, err)
	assert.Equal(t, schemaBefore.Hash(), schemaAfter.Hash())

	// A merge without schema rows only needs the graph lock.
	_, err = f.merger.Merge(ctx, "cr2")
	require.NoError(t, err)
	assert.Equal(t, "r2", f.value(t, "main", other.ID(), "name"))

	require.NoError(t, held.Release(ctx))
	res, err := f.merger.Merge(ctx, "cr1")
	require.NoError(t, err)
	assert.Contains(t, res.States, StateSchemaApplied)
	assert.Equal(t, "core", f.value(t, "main", dev.ID(), "role"))
}

func TestMerge_ConcurrentMergesDoNotOverlap(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d1 := f.device(t, "main", "r1")
	d2 := f.device(t, "main", "r2")
	f.branch(t, "cr1")
	f.branch(t, "cr2")
	f.update(t, "cr1", d1.ID(), map[string]any{"role": "edge"})
	f.update(t, "cr2", d2.ID(), map[string]any{"role": "core"})

	var inside, most atomic.Int32
	f.merger.hook = func(s State) error {
		if s != StateDataCommitted {
			return nil
		}
		n := inside.Add(1)
		defer inside.Add(-1)
		for {
			m := most.Load()
			if n <= m || most.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, name := range []string{"cr1", "cr2"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.merger.Merge(ctx, name)
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.EqualValues(t, 1, most.Load())
	assert.Equal(t, "edge", f.value(t, "main", d1.ID(), "role"))
	assert.Equal(t, "core", f.value(t, "main", d2.ID(), "role"))
}

func TestMerge_LockReleaseFailureAfterCommitIsNotAFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	dev := f.device(t, "main", "r1")
	f.branch(t, "cr1")
	f.update(t, "cr1", dev.ID(), map[string]any{"role": "core"})

	models, indexes := lock.Tables()
	lockDB := testutil.NewSQLiteDB(t, models, indexes...)
	log := testutil.Logger(t)
	f.merger.locks = lock.NewRegistry(lock.NewLeaseLocker(lockDB, lock.LeaseConfig{Timeout: time.Second}, log), log)
	f.merger.hook = func(s State) error {
		if s == StateDataCommitted {
			// The lease row can no longer be deleted.
			return lockDB.Close()
		}
		return nil
	}

	res, err := f.merger.Merge(ctx, "cr1")
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.States[len(res.States)-1])
	assert.Equal(t, branch.StatusMerged, mustBranch(t, f, "cr1").Status)
	assert.Equal(t, "core", f.value(t, "main", dev.ID(), "role"))
}

func TestRun_RejectsSkippedStates(t *testing.T) {
	r := newRun("merge", "cr1", testutil.Logger(t), nil)
	require.NoError(t, r.advance(StateDiffComputed))
	assert.Error(t, r.advance(StateDataCommitted))

	var undone []string
	r.onRollback("first", func(context.Context) error { undone = append(undone, "first"); return nil })
	r.onRollback("second", func(context.Context) error { undone = append(undone, "second"); return errors.New("stuck") })
	r.onRollback("third", func(context.Context) error { undone = append(undone, "third"); return nil })

	err := r.rollback(context.Background())
	assert.ErrorContains(t, err, "second: stuck")
	assert.Equal(t, []string{"third", "second", "first"}, undone)
	assert.Equal(t, []State{StateStart, StateDiffComputed, StateRolledBack}, r.States())
}

func mustBranch(t *testing.T, f *fixture, name string) *branch.Branch {
	t.Helper()
	b, err := f.reg.Branch(name)
	require.NoError(t, err)
	return b
}
