package governor_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/serverket/cpugovd/internal/cputest"
	"github.com/serverket/cpugovd/pkg/authority"
	"github.com/serverket/cpugovd/pkg/governor"
	"github.com/serverket/cpugovd/pkg/store"
	"github.com/serverket/cpugovd/pkg/sysfs"
)

const (
	testCaller    = ":1.42"
	testAvailable = "performance powersave schedutil"
)

type authCall struct {
	caller string
	action string
}

type stubAuth struct {
	granted bool
	err     error
	calls   []authCall
}

func (s *stubAuth) Authorize(_ context.Context, caller, actionID string) (bool, error) {
	s.calls = append(s.calls, authCall{caller: caller, action: actionID})
	return s.granted, s.err
}

// flakyAccessor injects per-core write failures and counts every write
// attempt on top of a real sysfs accessor.
type flakyAccessor struct {
	*sysfs.Accessor
	writes    int
	failCores map[string]bool
	failAll   bool
}

func (f *flakyAccessor) Write(core sysfs.Core, attr, value string) error {
	f.writes++
	if f.failAll || f.failCores[core.Name()] {
		return errors.New("simulated write failure")
	}
	return f.Accessor.Write(core, attr, value)
}

type rig struct {
	root  string
	acc   *flakyAccessor
	store *store.Store
	auth  *stubAuth
	ctrl  *governor.Controller
}

func newRig(t *testing.T, coreCount int, current string) *rig {
	t.Helper()

	cores := make([]cputest.FakeCore, coreCount)
	for i := range cores {
		cores[i] = cputest.FakeCore{Index: i, Attrs: cputest.DefaultAttrs(current, testAvailable)}
	}
	root := cputest.WriteTree(t, t.TempDir(), cores...)
	cputest.WriteFile(t, root, "online", "0-3\n")

	// The cpuinfo path is absent on purpose: snapshots must fall back to
	// "Unknown" instead of picking up the host machine's model string.
	r := &rig{
		root:  root,
		acc:   &flakyAccessor{Accessor: sysfs.New(root, sysfs.WithCPUInfoPath(filepath.Join(root, "cpuinfo")))},
		store: store.New(filepath.Join(t.TempDir(), "governor.json")),
		auth:  &stubAuth{granted: true},
	}
	r.ctrl = governor.New(r.acc, r.store, r.auth)
	return r
}

func (r *rig) governorOn(t *testing.T, idx int) string {
	t.Helper()
	for _, core := range r.acc.ListCores() {
		if core.Index == idx {
			return r.acc.Read(core, sysfs.AttrGovernor)
		}
	}
	t.Fatalf("core %d not enumerated", idx)
	return ""
}

func TestSetGovernorRejectsUnknownWithZeroWrites(t *testing.T) {
	r := newRig(t, 2, "powersave")

	err := r.ctrl.SetGovernor(context.Background(), testCaller, "turbo")

	var invalid *governor.InvalidGovernorError
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, "turbo", invalid.Requested)
	require.Equal(t, []string{"performance", "powersave", "schedutil"}, invalid.Available)
	require.Contains(t, err.Error(), "turbo")
	require.Contains(t, err.Error(), "performance, powersave, schedutil")

	require.Zero(t, r.acc.writes)
	require.Empty(t, r.auth.calls, "validation failure must not reach the authority")
}

func TestSetGovernorDeniedWithZeroWrites(t *testing.T) {
	r := newRig(t, 2, "powersave")
	r.auth.granted = false

	err := r.ctrl.SetGovernor(context.Background(), testCaller, "performance")

	require.ErrorIs(t, err, governor.ErrNotAuthorized)
	require.Zero(t, r.acc.writes, "write-before-auth must never occur")
	require.Equal(t, []authCall{{caller: testCaller, action: authority.ActionSetGovernor}}, r.auth.calls)
	require.Equal(t, "powersave", r.governorOn(t, 0))
}

func TestSetGovernorAuthorityUnreachableReadsAsDenial(t *testing.T) {
	r := newRig(t, 2, "powersave")
	r.auth.granted = false
	r.auth.err = errors.New("authority timed out")

	err := r.ctrl.SetGovernor(context.Background(), testCaller, "performance")

	require.ErrorIs(t, err, governor.ErrNotAuthorized)
	require.Zero(t, r.acc.writes)
}

func TestSetGovernorAppliesToEveryCoreAndPersists(t *testing.T) {
	r := newRig(t, 4, "powersave")

	id, events := r.ctrl.Subscribe()
	defer r.ctrl.Unsubscribe(id)

	require.NoError(t, r.ctrl.SetGovernor(context.Background(), testCaller, "performance"))

	for idx := 0; idx < 4; idx++ {
		require.Equal(t, "performance", r.governorOn(t, idx))
	}

	saved, ok := r.store.Load()
	require.True(t, ok)
	require.Equal(t, "performance", saved)

	select {
	case got := <-events:
		require.Equal(t, "performance", got)
	case <-time.After(time.Second):
		t.Fatal("no change notification observed")
	}
}

func TestSetGovernorPartialFailureStillSucceeds(t *testing.T) {
	r := newRig(t, 3, "powersave")
	r.acc.failCores = map[string]bool{"cpu1": true}

	id, events := r.ctrl.Subscribe()
	defer r.ctrl.Unsubscribe(id)

	require.NoError(t, r.ctrl.SetGovernor(context.Background(), testCaller, "schedutil"))

	require.Equal(t, "schedutil", r.governorOn(t, 0))
	require.Equal(t, "powersave", r.governorOn(t, 1))
	require.Equal(t, "schedutil", r.governorOn(t, 2))

	saved, ok := r.store.Load()
	require.True(t, ok)
	require.Equal(t, "schedutil", saved)

	select {
	case got := <-events:
		require.Equal(t, "schedutil", got)
	case <-time.After(time.Second):
		t.Fatal("notification must fire even after a partial failure")
	}
}

func TestSetGovernorAllWritesFailing(t *testing.T) {
	r := newRig(t, 2, "powersave")
	r.acc.failAll = true

	err := r.ctrl.SetGovernor(context.Background(), testCaller, "performance")

	var applyErr *governor.ApplyError
	require.ErrorAs(t, err, &applyErr)
	require.Equal(t, "performance", applyErr.Governor)
	require.Len(t, applyErr.Errs, 2)

	_, ok := r.store.Load()
	require.False(t, ok, "a change that applied nowhere must not be persisted")
}

func TestSetGovernorNoCores(t *testing.T) {
	r := newRig(t, 0, "")

	err := r.ctrl.SetGovernor(context.Background(), testCaller, "performance")
	require.ErrorIs(t, err, governor.ErrNoCores)
	require.Empty(t, r.auth.calls)
}

func TestSetGovernorSurvivesPersistenceFailure(t *testing.T) {
	r := newRig(t, 2, "powersave")

	// Point the store below a regular file so MkdirAll fails.
	blocker := cputest.WriteFile(t, t.TempDir(), "blocker", "")
	r.ctrl = governor.New(r.acc, store.New(filepath.Join(blocker, "governor.json")), r.auth)

	require.NoError(t, r.ctrl.SetGovernor(context.Background(), testCaller, "performance"))
	require.Equal(t, "performance", r.governorOn(t, 0))
}

func TestRestoreAppliesSavedChoice(t *testing.T) {
	r := newRig(t, 3, "performance")
	require.NoError(t, r.store.Save("powersave"))

	r.ctrl.Restore()

	for idx := 0; idx < 3; idx++ {
		require.Equal(t, "powersave", r.governorOn(t, idx))
	}
}

func TestRestoreSkipsStaleChoiceAndKeepsRecord(t *testing.T) {
	r := newRig(t, 2, "performance")
	require.NoError(t, r.store.Save("ondemand")) // not in the accepted set

	r.ctrl.Restore()

	require.Zero(t, r.acc.writes)
	require.Equal(t, "performance", r.governorOn(t, 0))

	saved, ok := r.store.Load()
	require.True(t, ok)
	require.Equal(t, "ondemand", saved, "a stale record may become valid again; never clear it")
}

func TestRestoreWithoutRecord(t *testing.T) {
	r := newRig(t, 2, "performance")

	r.ctrl.Restore()
	require.Zero(t, r.acc.writes)
}

func TestRestoreContinuesPastFailingCore(t *testing.T) {
	r := newRig(t, 3, "performance")
	require.NoError(t, r.store.Save("powersave"))
	r.acc.failCores = map[string]bool{"cpu0": true}

	r.ctrl.Restore()

	require.Equal(t, "performance", r.governorOn(t, 0))
	require.Equal(t, "powersave", r.governorOn(t, 1))
	require.Equal(t, "powersave", r.governorOn(t, 2))
}

func TestCurrentGovernorFirstCore(t *testing.T) {
	r := newRig(t, 2, "schedutil")

	gov, err := r.ctrl.CurrentGovernor()
	require.NoError(t, err)
	require.Equal(t, "schedutil", gov)
}

func TestCurrentGovernorNoCores(t *testing.T) {
	r := newRig(t, 0, "")

	_, err := r.ctrl.CurrentGovernor()
	require.ErrorIs(t, err, governor.ErrNoCores)
}

func TestAvailableGovernors(t *testing.T) {
	r := newRig(t, 1, "powersave")
	require.Equal(t, []string{"performance", "powersave", "schedutil"}, r.ctrl.AvailableGovernors())

	empty := newRig(t, 0, "")
	require.Empty(t, empty.ctrl.AvailableGovernors())
}

func TestSnapshotPerCore(t *testing.T) {
	r := newRig(t, 2, "powersave")

	snap := r.ctrl.Snapshot()
	require.Equal(t, 2, snap.CoreCount)
	require.Equal(t, "0-3", snap.Online)
	require.Len(t, snap.Cores, 2)

	first := snap.Cores[0]
	require.Equal(t, "cpu0", first.Name)
	require.Equal(t, "powersave", first.Governor)
	require.Equal(t, uint64(2400000), first.CurFreqKHz)
	require.Equal(t, uint64(800000), first.MinFreqKHz)
	require.Equal(t, uint64(4200000), first.MaxFreqKHz)
}

func TestSnapshotZeroCoresIsNotAFault(t *testing.T) {
	r := newRig(t, 0, "")

	snap := r.ctrl.Snapshot()
	require.Equal(t, 0, snap.CoreCount)
	require.Empty(t, snap.Cores)
	require.Equal(t, "Unknown", snap.Model)
}

func TestSlowSubscriberNeverBlocksSetGovernor(t *testing.T) {
	r := newRig(t, 1, "powersave")

	id, _ := r.ctrl.Subscribe() // never drained
	defer r.ctrl.Unsubscribe(id)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			require.NoError(t, r.ctrl.SetGovernor(context.Background(), testCaller, "performance"))
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	r := newRig(t, 1, "powersave")

	id, events := r.ctrl.Subscribe()
	r.ctrl.Unsubscribe(id)

	_, open := <-events
	require.False(t, open)
}
