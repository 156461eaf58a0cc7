// Package action defines the value objects and error taxonomy shared by
// every component that dispatches, records, or reverses agent actions.
package action

// Context identifies who an action runs as and where it applies. It is
// immutable and passed by value through the dispatch chain.
type Context struct {
	OrgID     string
	ProjectID string
	UserID    string
	SessionID string

	// Credential is an opaque token handed to the permission gate for
	// downstream authorization lookups. Empty on trusted contexts.
	Credential string

	// Trusted marks contexts constructed by system triggers (scheduler,
	// webhook, mention). The dispatcher skips the permission gate for them.
	Trusted bool
}

// NewContext builds a caller-originated context. The credential travels to
// the permission gate only; it is never persisted.
func NewContext(orgID, projectID, userID, sessionID, credential string) Context {
	return Context{
		OrgID:      orgID,
		ProjectID:  projectID,
		UserID:     userID,
		SessionID:  sessionID,
		Credential: credential,
	}
}

// NewTrustedContext builds a system-originated context with no credential.
// Only trigger entry points (scheduler, webhook receiver, mention handler)
// may construct one.
func NewTrustedContext(orgID, projectID, userID, sessionID string) Context {
	return Context{
		OrgID:     orgID,
		ProjectID: projectID,
		UserID:    userID,
		SessionID: sessionID,
		Trusted:   true,
	}
}

// DelegationContext extends Context with the delegation chain state.
type DelegationContext struct {
	Context

	// Depth is the number of delegation hops taken so far. The controller
	// stops exposing the delegation tool once Depth reaches the max.
	Depth int

	// ParentAgent names the persona that initiated the delegation.
	ParentAgent string
}

// Deepen returns a copy of the delegation context one hop deeper, attributed
// to the given parent persona.
func (d DelegationContext) Deepen(parent string) DelegationContext {
	d.Depth++
	d.ParentAgent = parent
	return d
}
