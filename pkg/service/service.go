// Package service exposes the governor controller on the D-Bus system bus:
// four methods, one signal, and the fault-name mapping callers see.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"go.uber.org/zap"

	"github.com/serverket/cpugovd/pkg/governor"
)

const (
	BusName       = "io.github.serverket.cpugov"
	InterfaceName = "io.github.serverket.cpugov"

	signalGovernorChanged = InterfaceName + ".GovernorChanged"
)

const ObjectPath dbus.ObjectPath = "/io/github/serverket/cpugov"

// Caller-visible fault names. NotAuthorized reuses the polkit error name
// callers of the system authority already know.
const (
	ErrNameInvalidGovernor = InterfaceName + ".Error.InvalidGovernor"
	ErrNameNotAuthorized   = "org.freedesktop.PolicyKit1.Error.NotAuthorized"
	ErrNameUnavailable     = InterfaceName + ".Error.Unavailable"
	ErrNameIOFailure       = InterfaceName + ".Error.IOFailure"
)

// Service binds a Controller to the bus and owns the well-known name for
// the life of the process.
type Service struct {
	conn *dbus.Conn
	ctrl *governor.Controller
	log  *zap.SugaredLogger
}

func New(conn *dbus.Conn, ctrl *governor.Controller) *Service {
	return &Service{
		conn: conn,
		ctrl: ctrl,
		log:  zap.S().Named("service"),
	}
}

// Run exports the interface, claims the well-known name and serves until
// ctx is cancelled. Failing to claim the name is fatal: the process has no
// purpose without its service identity.
func (s *Service) Run(ctx context.Context) error {
	h := handler{ctrl: s.ctrl}
	if err := s.conn.Export(h, ObjectPath, InterfaceName); err != nil {
		return fmt.Errorf("export interface: %w", err)
	}
	if err := s.conn.Export(introspect.NewIntrospectable(introspectNode()), ObjectPath,
		"org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("export introspection: %w", err)
	}

	subID, events := s.ctrl.Subscribe()
	defer s.ctrl.Unsubscribe(subID)
	go s.forward(events)

	reply, err := s.conn.RequestName(BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("request bus name %s: %w", BusName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("bus name %s is already owned", BusName)
	}
	defer func() {
		if _, err := s.conn.ReleaseName(BusName); err != nil {
			s.log.Warnw("cannot release bus name", "error", err)
		}
	}()

	s.log.Infow("listening", "busName", BusName, "path", ObjectPath)
	<-ctx.Done()
	return ctx.Err()
}

// forward drains controller change events onto the bus. Bus delivery is
// fire-and-forget from the controller's point of view.
func (s *Service) forward(events <-chan string) {
	for gov := range events {
		if err := s.conn.Emit(ObjectPath, signalGovernorChanged, gov); err != nil {
			s.log.Warnw("cannot emit GovernorChanged", "governor", gov, "error", err)
		}
	}
}

// handler carries exactly the bus-visible methods; nothing else of the
// service leaks onto the bus.
type handler struct {
	ctrl *governor.Controller
}

func (h handler) GetGovernor() (string, *dbus.Error) {
	gov, err := h.ctrl.CurrentGovernor()
	if err != nil {
		return "", mapError(err)
	}
	return gov, nil
}

func (h handler) GetAvailableGovernors() ([]string, *dbus.Error) {
	govs := h.ctrl.AvailableGovernors()
	if govs == nil {
		govs = []string{}
	}
	return govs, nil
}

func (h handler) SetGovernor(sender dbus.Sender, name string) (bool, *dbus.Error) {
	if err := h.ctrl.SetGovernor(context.Background(), string(sender), name); err != nil {
		return false, mapError(err)
	}
	return true, nil
}

func (h handler) GetCpuInfo() (map[string]dbus.Variant, *dbus.Error) {
	return snapshotToWire(h.ctrl.Snapshot()), nil
}

// mapError turns controller errors into the caller-visible fault taxonomy.
func mapError(err error) *dbus.Error {
	var invalid *governor.InvalidGovernorError
	var apply *governor.ApplyError

	switch {
	case errors.As(err, &invalid):
		return dbus.NewError(ErrNameInvalidGovernor, []any{invalid.Error()})
	case errors.Is(err, governor.ErrNotAuthorized):
		return dbus.NewError(ErrNameNotAuthorized, []any{err.Error()})
	case errors.Is(err, governor.ErrNoCores):
		return dbus.NewError(ErrNameUnavailable, []any{err.Error()})
	case errors.As(err, &apply):
		return dbus.NewError(ErrNameIOFailure, []any{apply.Error()})
	default:
		return dbus.MakeFailedError(err)
	}
}

func snapshotToWire(snap governor.Snapshot) map[string]dbus.Variant {
	perCore := make([]map[string]dbus.Variant, 0, len(snap.Cores))
	for _, core := range snap.Cores {
		perCore = append(perCore, map[string]dbus.Variant{
			"name":         dbus.MakeVariant(core.Name),
			"governor":     dbus.MakeVariant(core.Governor),
			"cur_freq_khz": dbus.MakeVariant(core.CurFreqKHz),
			"min_freq_khz": dbus.MakeVariant(core.MinFreqKHz),
			"max_freq_khz": dbus.MakeVariant(core.MaxFreqKHz),
		})
	}

	info := map[string]dbus.Variant{
		"model":      dbus.MakeVariant(snap.Model),
		"core_count": dbus.MakeVariant(int32(snap.CoreCount)),
		"online":     dbus.MakeVariant(snap.Online),
		"per_core":   dbus.MakeVariant(perCore),
	}
	if len(snap.LoadAvg) > 0 {
		info["load_avg"] = dbus.MakeVariant(snap.LoadAvg)
	}
	return info
}

func introspectNode() *introspect.Node {
	return &introspect.Node{
		Name: string(ObjectPath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name: InterfaceName,
				Methods: []introspect.Method{
					{Name: "GetGovernor", Args: []introspect.Arg{
						{Name: "governor", Type: "s", Direction: "out"},
					}},
					{Name: "GetAvailableGovernors", Args: []introspect.Arg{
						{Name: "governors", Type: "as", Direction: "out"},
					}},
					{Name: "SetGovernor", Args: []introspect.Arg{
						{Name: "governor", Type: "s", Direction: "in"},
						{Name: "ok", Type: "b", Direction: "out"},
					}},
					{Name: "GetCpuInfo", Args: []introspect.Arg{
						{Name: "info", Type: "a{sv}", Direction: "out"},
					}},
				},
				Signals: []introspect.Signal{
					{Name: "GovernorChanged", Args: []introspect.Arg{
						{Name: "governor", Type: "s", Direction: "out"},
					}},
				},
			},
		},
	}
}
