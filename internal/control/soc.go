package control

import (
	"context"

	"github.com/oikosnomo/ccu-bridge/internal/state"
)

// SOCHandler reacts to an acknowledged state of charge reading.
type SOCHandler interface {
	HandleSOC(ctx context.Context, device string, soc float64) bool
}

// SubscribeSOC feeds every acknowledged numeric <device>.<leaf> value to
// the handlers, in order.
func SubscribeSOC(tree *state.Tree, leaf string, handlers ...SOCHandler) (func(), error) {
	return tree.Subscribe("*."+leaf, func(ctx context.Context, ev state.Event) {
		device, soc, ok := socReading(ev, leaf)
		if !ok {
			return
		}
		for _, h := range handlers {
			h.HandleSOC(ctx, device, soc)
		}
	})
}

func socReading(ev state.Event, leaf string) (string, float64, bool) {
	segs := state.Split(ev.Path)
	if len(segs) != 2 || segs[1] != leaf || !ev.Value.Ack {
		return "", 0, false
	}
	soc, ok := state.Float(ev.Value.Val)
	if !ok {
		return "", 0, false
	}
	return segs[0], soc, true
}
