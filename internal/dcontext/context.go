package dcontext

import "context"

// Background returns a non-nil, empty root context, mirroring
// context.Background but keeping call sites within this package's
// vocabulary so the logger/value helpers below read naturally next to it.
func Background() context.Context {
	return context.Background()
}

// GetStringValue returns ctx.Value(key) coerced to a string, or the empty
// string if the key is unset or not a string. Useful for the small set of
// opaque, request-scoped strings (registry host, caller identity) that ride
// along on the context without their own typed accessor.
func GetStringValue(ctx context.Context, key interface{}) string {
	v := ctx.Value(key)
	if v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}
