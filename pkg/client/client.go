// Package client is the observer-side library for the cpugov daemon. A
// missing daemon is a first-class, retriable condition, not an exceptional
// one: every call can report ErrDaemonUnavailable and observers are
// expected to retry.
package client

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/serverket/cpugovd/pkg/service"
)

const (
	// DefaultQueryTimeout bounds read-only calls.
	DefaultQueryTimeout = 5 * time.Second
	// DefaultSetTimeout bounds SetGovernor, which may sit behind an
	// interactive consent dialog.
	DefaultSetTimeout = 2 * time.Minute
)

var (
	// ErrDaemonUnavailable wraps every transport-level failure to reach
	// the daemon: not installed, not started, or gone away mid-call.
	ErrDaemonUnavailable = errors.New("cpugov daemon is not available")

	ErrInvalidGovernor  = errors.New("invalid governor")
	ErrNotAuthorized    = errors.New("not authorized")
	ErrNoScalingSupport = errors.New("no CPU frequency scaling support")
)

// CoreInfo mirrors one per-core record of a snapshot. Zero frequencies
// mean the daemon could not read the value.
type CoreInfo struct {
	Name       string
	Governor   string
	CurFreqKHz uint64
	MinFreqKHz uint64
	MaxFreqKHz uint64
}

type CPUInfo struct {
	Model     string
	CoreCount int
	Online    string
	LoadAvg   []float64
	Cores     []CoreInfo
}

type Client struct {
	conn         *dbus.Conn
	obj          dbus.BusObject
	queryTimeout time.Duration
	setTimeout   time.Duration
}

type Option func(*Client)

func WithQueryTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.queryTimeout = d
		}
	}
}

func WithSetTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.setTimeout = d
		}
	}
}

// New connects to the system bus. A failure to connect reads as the
// daemon being unavailable; there is nothing to talk to either way.
func New(opts ...Option) (*Client, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDaemonUnavailable, err)
	}
	return NewWithConn(conn, opts...), nil
}

// NewWithConn wraps an existing bus connection. The caller keeps ownership
// of the connection's lifetime only if it also skips Close.
func NewWithConn(conn *dbus.Conn, opts ...Option) *Client {
	c := &Client{
		conn:         conn,
		obj:          conn.Object(service.BusName, service.ObjectPath),
		queryTimeout: DefaultQueryTimeout,
		setTimeout:   DefaultSetTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Governor returns the daemon's view of the current governor.
func (c *Client) Governor(ctx context.Context) (string, error) {
	var gov string
	if err := c.call(ctx, c.queryTimeout, "GetGovernor").Store(&gov); err != nil {
		return "", classify(err)
	}
	return gov, nil
}

// AvailableGovernors returns the live accepted set.
func (c *Client) AvailableGovernors(ctx context.Context) ([]string, error) {
	var govs []string
	if err := c.call(ctx, c.queryTimeout, "GetAvailableGovernors").Store(&govs); err != nil {
		return nil, classify(err)
	}
	return govs, nil
}

// SetGovernor requests a governor change. The call may block on an
// interactive authorization prompt.
func (c *Client) SetGovernor(ctx context.Context, governor string) error {
	var ok bool
	if err := c.call(ctx, c.setTimeout, "SetGovernor", governor).Store(&ok); err != nil {
		return classify(err)
	}
	if !ok {
		return fmt.Errorf("daemon rejected governor %q", governor)
	}
	return nil
}

// CPUInfo fetches a fresh snapshot.
func (c *Client) CPUInfo(ctx context.Context) (*CPUInfo, error) {
	var wire map[string]dbus.Variant
	if err := c.call(ctx, c.queryTimeout, "GetCpuInfo").Store(&wire); err != nil {
		return nil, classify(err)
	}
	return decodeCPUInfo(wire), nil
}

// Watch delivers governor change notifications until ctx is cancelled.
// The returned channel is closed on cancellation.
func (c *Client) Watch(ctx context.Context) (<-chan string, error) {
	opts := []dbus.MatchOption{
		dbus.WithMatchObjectPath(service.ObjectPath),
		dbus.WithMatchInterface(service.InterfaceName),
		dbus.WithMatchMember("GovernorChanged"),
	}
	if err := c.conn.AddMatchSignalContext(ctx, opts...); err != nil {
		return nil, classify(err)
	}

	sigs := make(chan *dbus.Signal, 16)
	c.conn.Signal(sigs)

	out := make(chan string, 16)
	go func() {
		defer close(out)
		defer c.conn.RemoveSignal(sigs)
		defer func() {
			_ = c.conn.RemoveMatchSignal(opts...)
		}()

		for {
			select {
			case sig, open := <-sigs:
				if !open {
					return
				}
				if gov, ok := governorFromSignal(sig); ok {
					select {
					case out <- gov:
					case <-ctx.Done():
						return
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *Client) call(ctx context.Context, timeout time.Duration, method string, args ...any) *dbus.Call {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.obj.CallWithContext(ctx, service.InterfaceName+"."+method, 0, args...)
}

func governorFromSignal(sig *dbus.Signal) (string, bool) {
	if sig == nil || sig.Name != service.InterfaceName+".GovernorChanged" {
		return "", false
	}
	if len(sig.Body) != 1 {
		return "", false
	}
	gov, ok := sig.Body[0].(string)
	return gov, ok
}

// classify maps transport failures to ErrDaemonUnavailable and the
// daemon's fault names to client-side sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) {
		switch dbusErr.Name {
		case "org.freedesktop.DBus.Error.ServiceUnknown",
			"org.freedesktop.DBus.Error.NameHasNoOwner",
			"org.freedesktop.DBus.Error.NoReply",
			"org.freedesktop.DBus.Error.Timeout",
			"org.freedesktop.DBus.Error.Disconnected":
			return fmt.Errorf("%w: %s", ErrDaemonUnavailable, dbusErr.Name)
		case service.ErrNameInvalidGovernor:
			return fmt.Errorf("%w: %s", ErrInvalidGovernor, faultMessage(dbusErr))
		case service.ErrNameNotAuthorized:
			return fmt.Errorf("%w: %s", ErrNotAuthorized, faultMessage(dbusErr))
		case service.ErrNameUnavailable:
			return fmt.Errorf("%w: %s", ErrNoScalingSupport, faultMessage(dbusErr))
		}
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: call timed out", ErrDaemonUnavailable)
	}
	return err
}

func faultMessage(err dbus.Error) string {
	if len(err.Body) == 0 {
		return err.Name
	}
	if msg, ok := err.Body[0].(string); ok {
		return msg
	}
	return err.Name
}

func decodeCPUInfo(wire map[string]dbus.Variant) *CPUInfo {
	info := &CPUInfo{}

	if v, ok := wire["model"]; ok {
		info.Model, _ = v.Value().(string)
	}
	if v, ok := wire["core_count"]; ok {
		if n, ok := v.Value().(int32); ok {
			info.CoreCount = int(n)
		}
	}
	if v, ok := wire["online"]; ok {
		info.Online, _ = v.Value().(string)
	}
	if v, ok := wire["load_avg"]; ok {
		info.LoadAvg, _ = v.Value().([]float64)
	}
	if v, ok := wire["per_core"]; ok {
		if cores, ok := v.Value().([]map[string]dbus.Variant); ok {
			for _, entry := range cores {
				info.Cores = append(info.Cores, decodeCore(entry))
			}
		}
	}
	return info
}

func decodeCore(entry map[string]dbus.Variant) CoreInfo {
	core := CoreInfo{}
	if v, ok := entry["name"]; ok {
		core.Name, _ = v.Value().(string)
	}
	if v, ok := entry["governor"]; ok {
		core.Governor, _ = v.Value().(string)
	}
	core.CurFreqKHz = asKHz(entry["cur_freq_khz"])
	core.MinFreqKHz = asKHz(entry["min_freq_khz"])
	core.MaxFreqKHz = asKHz(entry["max_freq_khz"])
	return core
}

// asKHz tolerates the daemon's uint64 encoding as well as the string
// encoding older daemons used.
func asKHz(v dbus.Variant) uint64 {
	switch val := v.Value().(type) {
	case uint64:
		return val
	case uint32:
		return uint64(val)
	case int32:
		if val > 0 {
			return uint64(val)
		}
	case string:
		if khz, err := strconv.ParseUint(val, 10, 64); err == nil {
			return khz
		}
	}
	return 0
}
