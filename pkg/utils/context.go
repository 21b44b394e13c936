package utils

import "context"

type ContextKey string

const (
	PrincipalKey     ContextKey = "principal"
	PermissionsKey   ContextKey = "permissions"
	UserIDKey        string     = "user_id"
	PermissionsClaim string     = "permissions"
	ExpKey           string     = "exp"
)

// Principal is the authenticated caller: a platform user holding a JWT or
// another subsystem holding a service API key.
type Principal struct {
	UserID  string
	Service string
}

func (p Principal) IsService() bool {
	return p.Service != ""
}

// CanAct reports whether the principal may address userID. Services act on
// behalf of any user; a user token only on its own account.
func (p Principal) CanAct(userID string) bool {
	return p.IsService() || (p.UserID != "" && p.UserID == userID)
}

func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(PrincipalKey).(Principal)
	return p, ok
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, PrincipalKey, p)
}

func WithPermissions(ctx context.Context, perms []string) context.Context {
	return context.WithValue(ctx, PermissionsKey, perms)
}
