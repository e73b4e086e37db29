// Package stagectl is a control plane for selecting, validating, versioning,
// activating and rolling back the module used at each stage of a multi-stage
// processing pipeline.
//
// The root package holds the primitives shared by every component: the
// Logger contract, observability events and their CloudEvent form, roles,
// and the error taxonomy. Components live in sub-packages:
//
//	contract       capability contract registry
//	stage          processing stage registry
//	registry       module registry
//	configuration  validator and configuration service
//	fallback       fallback evaluator
//	eventlog       observability sink
//	pipeline       run snapshots and stage invocation
package stagectl

import (
	"context"
	"strings"
)

// Role is the coarse caller role asserted at the transport boundary.
type Role string

const (
	RoleOperator   Role = "operator"
	RoleMaintainer Role = "maintainer"
	RoleViewer     Role = "viewer"
)

// ParseRole normalizes a role name. Unknown names return false.
func ParseRole(s string) (Role, bool) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleOperator, RoleMaintainer, RoleViewer:
		return r, true
	default:
		return "", false
	}
}

// CanMutate reports whether the role may call mutating operations.
func (r Role) CanMutate() bool {
	return r == RoleOperator || r == RoleMaintainer
}

// Caller identifies who is performing an operation.
type Caller struct {
	Actor string
	Roles []Role
}

// CanMutate reports whether any of the caller's roles permits mutation.
func (c Caller) CanMutate() bool {
	for _, r := range c.Roles {
		if r.CanMutate() {
			return true
		}
	}
	return false
}

type callerKey struct{}

// WithCaller attaches the caller to ctx.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller attached to ctx.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

// ActorFrom returns the actor attached to ctx, or "system".
func ActorFrom(ctx context.Context) string {
	if c, ok := CallerFrom(ctx); ok && c.Actor != "" {
		return c.Actor
	}
	return "system"
}
