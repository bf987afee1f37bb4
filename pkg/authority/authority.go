// Package authority decides whether a bus caller may perform a privileged
// action. The trust decision itself belongs to polkit; this package only
// carries the question across the bus and maps every non-answer to "no".
package authority

import (
	"context"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

// ActionSetGovernor is the polkit action guarding governor changes.
const ActionSetGovernor = "io.github.serverket.cpugov.set-governor"

const (
	polkitService   = "org.freedesktop.PolicyKit1"
	polkitPath      = "/org/freedesktop/PolicyKit1/Authority"
	polkitCheckCall = "org.freedesktop.PolicyKit1.Authority.CheckAuthorization"

	// AllowUserInteraction: the authority may pop an interactive consent
	// dialog before answering.
	flagAllowUserInteraction = uint32(1)
)

// Authorizer answers whether caller may perform actionID. A transport
// failure reads as denial; callers never distinguish "denied" from
// "authority unreachable".
type Authorizer interface {
	Authorize(ctx context.Context, caller, actionID string) (bool, error)
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, caller, actionID string) (bool, error)

func (f AuthorizerFunc) Authorize(ctx context.Context, caller, actionID string) (bool, error) {
	return f(ctx, caller, actionID)
}

type polkitSubject struct {
	Kind    string
	Details map[string]dbus.Variant
}

type checkResult struct {
	IsAuthorized bool
	IsChallenge  bool
	Details      map[string]string
}

// Polkit asks the system polkit authority over the bus the caller arrived
// on. The caller identity is its unique bus name, supplied by the
// transport and never cached across calls.
type Polkit struct {
	conn *dbus.Conn
	log  *zap.SugaredLogger
}

func NewPolkit(conn *dbus.Conn) *Polkit {
	return &Polkit{
		conn: conn,
		log:  zap.S().Named("authority"),
	}
}

func (p *Polkit) Authorize(ctx context.Context, caller, actionID string) (bool, error) {
	subject := polkitSubject{
		Kind: "system-bus-name",
		Details: map[string]dbus.Variant{
			"name": dbus.MakeVariant(caller),
		},
	}

	var result checkResult
	obj := p.conn.Object(polkitService, polkitPath)
	err := obj.CallWithContext(ctx, polkitCheckCall, 0,
		subject, actionID, map[string]string{}, flagAllowUserInteraction, "",
	).Store(&result)
	if err != nil {
		// Unreachable authority blocks the mutation just like a denial,
		// but is logged as its own failure mode.
		p.log.Warnw("authority unreachable", "action", actionID, "caller", caller, "error", err)
		return false, err
	}

	if !result.IsAuthorized {
		p.log.Infow("authorization denied", "action", actionID, "caller", caller)
	}
	return result.IsAuthorized, nil
}
