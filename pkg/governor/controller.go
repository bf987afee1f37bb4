// Package governor owns the daemon's state machine: it validates requested
// governors against the live accepted set, gates mutations behind the
// authority, applies changes to every enumerated core, persists the user's
// choice and fans out change notifications.
package governor

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/load"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/serverket/cpugovd/pkg/authority"
	"github.com/serverket/cpugovd/pkg/sysfs"
)

// DefaultAuthTimeout bounds a single authorization round-trip. It is
// generous on purpose: polkit may be waiting on an interactive consent
// dialog.
const DefaultAuthTimeout = 2 * time.Minute

// Accessor is the kernel control surface the controller drives. Reads
// return "" for "unknown"; writes change live hardware behaviour.
type Accessor interface {
	ListCores() []sysfs.Core
	Read(core sysfs.Core, attr string) string
	Write(core sysfs.Core, attr, value string) error
	ModelName() string
	OnlineRange() string
}

// Store records the last explicitly requested governor.
type Store interface {
	Load() (string, bool)
	Save(governor string) error
}

// CoreInfo is one core's slice of a snapshot. Zero frequencies mean the
// kernel did not report a value.
type CoreInfo struct {
	Name       string
	Governor   string
	CurFreqKHz uint64
	MinFreqKHz uint64
	MaxFreqKHz uint64
}

// Snapshot is a freshly-assembled view of CPU state. Every field is
// independently best-effort; a snapshot never fails as a whole.
type Snapshot struct {
	Model     string
	CoreCount int
	Online    string
	LoadAvg   []float64
	Cores     []CoreInfo
}

// Controller is the single long-lived owner of governor state. Mutating
// calls are serialized; queries read the kernel directly and never block
// behind a mutation's authorization wait.
type Controller struct {
	cores       Accessor
	store       Store
	auth        authority.Authorizer
	authTimeout time.Duration
	log         *zap.SugaredLogger

	mu      sync.Mutex // serializes SetGovernor and Restore
	subs    *subscriberRegistry
	metrics *counters
}

type Option func(*Controller)

// WithAuthTimeout overrides the deadline for one authorization round-trip.
func WithAuthTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.authTimeout = d
		}
	}
}

func New(cores Accessor, st Store, auth authority.Authorizer, opts ...Option) *Controller {
	log := zap.S().Named("governor")
	c := &Controller{
		cores:       cores,
		store:       st,
		auth:        auth,
		authTimeout: DefaultAuthTimeout,
		log:         log,
		subs:        newSubscriberRegistry(),
		metrics:     newCounters(log),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Restore re-applies the persisted governor choice, if it is still offered
// by the hardware. A stale choice is skipped without touching the record:
// it may become valid again after a driver reload. Per-core write failures
// do not stop the remaining cores.
func (c *Controller) Restore() {
	c.mu.Lock()
	defer c.mu.Unlock()

	saved, ok := c.store.Load()
	if !ok {
		return
	}

	cores := c.cores.ListCores()
	if len(cores) == 0 {
		return
	}

	available := c.availableOn(cores[0])
	if !slices.Contains(available, saved) {
		c.log.Infow("saved governor no longer available, skipping restore",
			"governor", saved, "available", available)
		return
	}

	c.metrics.add(context.Background(), c.metrics.restores, 1)
	failed := c.applyAll(cores, saved)
	c.log.Infow("restored saved governor",
		"governor", saved, "cores", len(cores), "failed", len(failed))
}

// SetGovernor validates, authorizes and applies a governor change on
// behalf of caller. The order is fixed: no sysfs write ever happens before
// the authority has answered.
func (c *Controller) SetGovernor(ctx context.Context, caller, requested string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cores := c.cores.ListCores()
	if len(cores) == 0 {
		c.countSet(ctx, "no_cores")
		return ErrNoCores
	}

	// The accepted set is re-read on every call; drivers can change it.
	available := c.availableOn(cores[0])
	if !slices.Contains(available, requested) {
		c.countSet(ctx, "invalid")
		return &InvalidGovernorError{Requested: requested, Available: available}
	}

	authCtx, cancel := context.WithTimeout(ctx, c.authTimeout)
	granted, err := c.auth.Authorize(authCtx, caller, authority.ActionSetGovernor)
	cancel()
	if err != nil || !granted {
		c.countSet(ctx, "denied")
		c.metrics.add(ctx, c.metrics.authDenials, 1)
		return ErrNotAuthorized
	}

	failed := c.applyAll(cores, requested)

	// The notification fires once application has been attempted, even
	// after partial failure: the request was accepted and observers need
	// the new value.
	c.subs.publish(requested)

	if len(failed) == len(cores) {
		c.countSet(ctx, "io_failure")
		return &ApplyError{Governor: requested, Errs: failed}
	}

	if err := c.store.Save(requested); err != nil {
		// Best-effort durability: the hardware change already happened.
		c.log.Warnw("cannot persist governor choice", "governor", requested, "error", err)
	}

	c.countSet(ctx, "success")
	c.log.Infow("governor changed", "governor", requested, "caller", caller,
		"cores", len(cores), "failed", len(failed))
	return nil
}

// CurrentGovernor reports the first enumerated core's governor. Cores are
// assumed homogeneous; per-core detail lives in Snapshot.
func (c *Controller) CurrentGovernor() (string, error) {
	cores := c.cores.ListCores()
	if len(cores) == 0 {
		return "", ErrNoCores
	}
	return c.cores.Read(cores[0], sysfs.AttrGovernor), nil
}

// AvailableGovernors reports the live accepted set, empty when no core
// supports frequency scaling.
func (c *Controller) AvailableGovernors() []string {
	cores := c.cores.ListCores()
	if len(cores) == 0 {
		return nil
	}
	return c.availableOn(cores[0])
}

// Snapshot assembles a fresh view of all enumerated cores.
func (c *Controller) Snapshot() Snapshot {
	cores := c.cores.ListCores()

	snap := Snapshot{
		Model:     c.cores.ModelName(),
		CoreCount: len(cores),
		Online:    c.cores.OnlineRange(),
		Cores:     make([]CoreInfo, 0, len(cores)),
	}

	if avg, err := load.Avg(); err == nil {
		snap.LoadAvg = []float64{avg.Load1, avg.Load5, avg.Load15}
	}

	for _, core := range cores {
		snap.Cores = append(snap.Cores, CoreInfo{
			Name:       core.Name(),
			Governor:   c.cores.Read(core, sysfs.AttrGovernor),
			CurFreqKHz: parseKHz(c.cores.Read(core, sysfs.AttrCurFreq)),
			MinFreqKHz: parseKHz(c.cores.Read(core, sysfs.AttrMinFreq)),
			MaxFreqKHz: parseKHz(c.cores.Read(core, sysfs.AttrMaxFreq)),
		})
	}
	return snap
}

// Subscribe registers a change observer. The returned channel drops events
// when the observer lags; it is closed by Unsubscribe.
func (c *Controller) Subscribe() (string, <-chan string) {
	return c.subs.add()
}

func (c *Controller) Unsubscribe(id string) {
	c.subs.remove(id)
}

func (c *Controller) availableOn(core sysfs.Core) []string {
	return strings.Fields(c.cores.Read(core, sysfs.AttrAvailableGovernors))
}

// applyAll writes governor to every core, continuing past failures, and
// returns the per-core failures.
func (c *Controller) applyAll(cores []sysfs.Core, governor string) []error {
	var failed []error
	for _, core := range cores {
		if err := c.cores.Write(core, sysfs.AttrGovernor, governor); err != nil {
			c.log.Warnw("cannot apply governor", "core", core.Name(), "error", err)
			c.metrics.add(context.Background(), c.metrics.writeFailures, 1,
				attribute.String("core", core.Name()))
			failed = append(failed, err)
		}
	}
	return failed
}

func (c *Controller) countSet(ctx context.Context, outcome string) {
	c.metrics.add(ctx, c.metrics.setRequests, 1, attribute.String("outcome", outcome))
}

func parseKHz(v string) uint64 {
	if v == "" {
		return 0
	}
	khz, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0
	}
	return khz
}
