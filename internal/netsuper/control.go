package netsuper

import (
	"context"
	"net"

	"github.com/reactornet/reactornet/internal/reactorreg"
	"github.com/reactornet/reactornet/internal/routetable"
)

// EventKind tags a control-plane event.
type EventKind int

const (
	EventCreate EventKind = iota
	EventDelete
	EventAddRoute
	EventRemoveRoute
)

// Event is one control-plane instruction. Only the fields relevant to
// Kind are populated; the rest are zero.
type Event struct {
	Kind EventKind

	RouterName string
	Vhost      *VhostConfig
	Tun        *TunParams

	TableID string
	Prefix  *net.IPNet
	Target  routetable.Target
}

// ControlEvents is the opaque control-plane stream spec.md §6 treats
// as "gRPC in the source repo" without this package needing to know
// the transport: a plain pull interface, Next, blocking until an
// event arrives or ctx is canceled. No concrete gRPC client is wired
// in here — see DESIGN.md for why none of the retrieved corpus
// grounds that choice; a future transport implements this interface.
type ControlEvents interface {
	Next(ctx context.Context) (Event, error)
}

// Apply dispatches one control-plane event against the live routers,
// keyed by name, creating/tearing down/reconfiguring as ev.Kind
// names. registry and poolSize are only consulted for EventCreate.
func Apply(routers map[string]*Router, registry *reactorreg.Registry, poolSize int, ev Event) error {
	switch ev.Kind {
	case EventCreate:
		r, err := CreateRouter(ev.RouterName, ev.Vhost, ev.Tun, registry, poolSize)
		if err != nil {
			return err
		}
		routers[ev.RouterName] = r
		return nil

	case EventDelete:
		r, ok := routers[ev.RouterName]
		if !ok {
			return nil
		}
		delete(routers, ev.RouterName)
		return r.Shutdown()

	case EventAddRoute:
		r, ok := routers[ev.RouterName]
		if !ok {
			return nil
		}
		return r.Table().AddRoute(ev.TableID, ev.Prefix, ev.Target)

	case EventRemoveRoute:
		r, ok := routers[ev.RouterName]
		if !ok {
			return nil
		}
		return r.Table().RemoveRoute(ev.TableID, ev.Prefix)
	}
	return nil
}

// RunControlLoop pulls events from stream until ctx is canceled or
// Next returns an error, applying each one in turn. It is the
// reference consumer of ControlEvents; a real supervisor binary can
// inline the same loop with its own error handling/logging.
func RunControlLoop(ctx context.Context, stream ControlEvents, routers map[string]*Router, registry *reactorreg.Registry, poolSize int) error {
	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			return err
		}
		if err := Apply(routers, registry, poolSize, ev); err != nil {
			return err
		}
	}
}
