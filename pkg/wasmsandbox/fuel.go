package wasmsandbox

import (
	"context"
	"sync/atomic"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
)

// fuelMeter approximates wazero's missing per-instruction fuel counter by
// counting guest function calls instead: wazero's compiler-mode runtime
// exposes no instruction-level budget, so every entry into any exported
// or imported function (host functions included) consumes one unit.
// This is coarser than true fuel but still bounds an extension that
// tries to loop or recurse unboundedly.
type fuelMeter struct {
	max       uint64
	spent     atomic.Uint64
	exhausted bool
}

// withFuelMeter returns a context carrying a FunctionListenerFactory that
// increments the meter on every guest call boundary and panics once
// spent exceeds max, which callGuarded recovers into an error.
func withFuelMeter(ctx context.Context, max uint64) (context.Context, *fuelMeter) {
	m := &fuelMeter{max: max}
	ctx = experimental.WithFunctionListenerFactory(ctx, fuelListenerFactory{m})
	return ctx, m
}

type fuelListenerFactory struct{ meter *fuelMeter }

func (f fuelListenerFactory) NewListener(def api.FunctionDefinition) experimental.FunctionListener {
	return fuelListener{f.meter}
}

type fuelListener struct{ meter *fuelMeter }

func (l fuelListener) Before(ctx context.Context, mod api.Module, def api.FunctionDefinition, params []uint64, stack experimental.StackIterator) context.Context {
	spent := l.meter.spent.Add(1)
	if spent > l.meter.max {
		l.meter.exhausted = true
		panic("fuel exhausted")
	}
	return ctx
}

func (l fuelListener) After(ctx context.Context, mod api.Module, def api.FunctionDefinition, results []uint64) {
}

func (l fuelListener) Abort(ctx context.Context, mod api.Module, def api.FunctionDefinition, err error) {
}
