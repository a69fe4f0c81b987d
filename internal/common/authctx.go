package common

import "context"

type ctxKey string

const ownerKey ctxKey = "till/owner-token"

// WithOwner stores the till owner token presented by the client on the context.
func WithOwner(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, ownerKey, token)
}

// Owner extracts the till owner token from the context if present.
func Owner(ctx context.Context) (string, bool) {
	v := ctx.Value(ownerKey)
	if v == nil {
		return "", false
	}
	token, ok := v.(string)
	return token, ok && token != ""
}
