package action

import "context"

type ctxKey struct{}

// WithContext attaches the acting identity to a context. Tool handlers
// registered once at startup recover it at call time, so one registration
// serves every session, schedule, and delegation depth.
func WithContext(ctx context.Context, actx Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, actx)
}

// FromContext recovers the acting identity. The second return is false when
// no identity was attached; callers must treat that as a denied call, never
// as an anonymous one.
func FromContext(ctx context.Context) (Context, bool) {
	actx, ok := ctx.Value(ctxKey{}).(Context)
	return actx, ok
}

type delegationKey struct{}

// WithDelegation attaches the delegation chain state.
func WithDelegation(ctx context.Context, dctx DelegationContext) context.Context {
	return context.WithValue(ctx, delegationKey{}, dctx)
}

// DelegationFromContext recovers the delegation chain state. Absent state
// means depth zero: a top-level interactive or trigger run.
func DelegationFromContext(ctx context.Context) DelegationContext {
	if dctx, ok := ctx.Value(delegationKey{}).(DelegationContext); ok {
		return dctx
	}
	actx, _ := FromContext(ctx)
	return DelegationContext{Context: actx}
}
