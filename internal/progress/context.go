package progress

import "context"

type cycleKey struct{}

// WithCycleID tags ctx so events emitted below it carry the cycle ID.
func WithCycleID(ctx context.Context, id [16]byte) context.Context {
	return context.WithValue(ctx, cycleKey{}, id)
}

// CycleIDFromContext returns the tagged cycle ID or the zero ID.
func CycleIDFromContext(ctx context.Context) [16]byte {
	id, _ := ctx.Value(cycleKey{}).([16]byte)
	return id
}
