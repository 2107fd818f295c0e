// Package hookutil composes per-hook callback fields into one function, so
// a component can invoke its whole hook list through a single call site.
// The turn engine uses this for its state-transition observers.
package hookutil

import "context"

// ComposeVoid2 flattens the two-argument void callbacks selected from
// hooks into one function that invokes each non-nil callback in
// registration order. A nil result is never returned; with no hooks the
// composed function is a no-op.
func ComposeVoid2[H any, A, B any](hooks []H, field func(H) func(context.Context, A, B)) func(context.Context, A, B) {
	callbacks := make([]func(context.Context, A, B), 0, len(hooks))
	for _, h := range hooks {
		if fn := field(h); fn != nil {
			callbacks = append(callbacks, fn)
		}
	}
	return func(ctx context.Context, a A, b B) {
		for _, fn := range callbacks {
			fn(ctx, a, b)
		}
	}
}
