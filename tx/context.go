package tx

import "context"

type ctxKey struct{}

// WithContext returns a context carrying the transaction, for code that runs
// inside a transaction without threading the *Tx explicitly.
func WithContext(ctx context.Context, t *Tx) context.Context {
	return context.WithValue(ctx, ctxKey{}, t)
}

// FromContext returns the transaction carried by the context, if any.
func FromContext(ctx context.Context) (*Tx, bool) {
	t, ok := ctx.Value(ctxKey{}).(*Tx)
	return t, ok
}

// MustFromContext returns the transaction carried by the context and panics
// when there is none. For use in code whose contract requires a transaction.
func MustFromContext(ctx context.Context) *Tx {
	t, ok := FromContext(ctx)
	if !ok {
		panic("tx: no transaction in context")
	}
	return t
}
