package auth

import (
	"context"

	"github.com/abdulmunimjundurahman/ingestd/internal/ingest"
)

type ctxKey struct{}

// WithPrincipal returns a new context with the given principal attached.
func WithPrincipal(ctx context.Context, p ingest.Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// PrincipalFromContext extracts the principal from the context.
// Returns the zero Principal and false if none is present.
func PrincipalFromContext(ctx context.Context) (ingest.Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(ingest.Principal)
	return p, ok
}
