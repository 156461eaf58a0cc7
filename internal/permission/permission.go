// Package permission implements the authorization gate wrapping every tool
// call. Checks are pure queries; any lookup failure is treated as denied.
package permission

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/boardpilot/boardpilot/internal/action"
)

// Level is an access level on a board resource. Levels form a total order:
// Member < Editor < Admin. Callers request the minimum level a tool needs.
type Level int

const (
	LevelMember Level = iota + 1
	LevelEditor
	LevelAdmin
)

// ParseLevel maps a config string to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "member":
		return LevelMember, nil
	case "editor":
		return LevelEditor, nil
	case "admin":
		return LevelAdmin, nil
	default:
		return 0, fmt.Errorf("unknown permission level %q", s)
	}
}

func (l Level) String() string {
	switch l {
	case LevelMember:
		return "member"
	case LevelEditor:
		return "editor"
	case LevelAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// Gate checks whether the caller in actx may act at the given level on a
// resource. A nil return means allowed. Implementations must fail closed:
// transport or lookup errors come back as ErrPermissionDenied, never as
// silent approval.
type Gate interface {
	Check(ctx context.Context, actx action.Context, resourceType, resourceID string, level Level) error
	PolicyVersion() string
}

// Grant assigns a user a level within an org or a specific project.
type Grant struct {
	UserID    string `yaml:"user"`
	ProjectID string `yaml:"project,omitempty"` // empty = whole org
	Role      string `yaml:"role"`
}

// Policy is the serializable permission data: per-org grant lists.
type Policy struct {
	Orgs map[string][]Grant `yaml:"orgs"`
}

// Default returns an empty policy (everything denied).
func Default() Policy {
	return Policy{}
}

// Load reads a policy file. A missing or empty file yields the default
// deny-all policy; a malformed file is an error so a bad reload never
// silently widens access.
func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read permission policy: %w", err)
	}
	if len(data) == 0 {
		return Default(), nil
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse permission policy: %w", err)
	}
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) validate() error {
	for org, grants := range p.Orgs {
		for _, g := range grants {
			if strings.TrimSpace(g.UserID) == "" {
				return fmt.Errorf("org %q: grant with empty user", org)
			}
			if _, err := ParseLevel(g.Role); err != nil {
				return fmt.Errorf("org %q user %q: %w", org, g.UserID, err)
			}
		}
	}
	return nil
}

// levelFor resolves the caller's effective level within the org/project.
// A project-scoped grant beats an org-wide one when both exist.
func (p Policy) levelFor(orgID, projectID, userID string) (Level, bool) {
	var best Level
	var found bool
	for _, g := range p.Orgs[orgID] {
		if g.UserID != userID {
			continue
		}
		if g.ProjectID != "" && g.ProjectID != projectID {
			continue
		}
		lvl, err := ParseLevel(g.Role)
		if err != nil {
			continue
		}
		if g.ProjectID == projectID && projectID != "" {
			return lvl, true
		}
		if lvl > best {
			best = lvl
		}
		found = true
	}
	return best, found
}

// version hashes the policy content so audit records can pin the policy in
// effect at decision time.
func (p Policy) version() string {
	h := fnv.New64a()
	for org, grants := range p.Orgs {
		_, _ = h.Write([]byte(org + "|"))
		for _, g := range grants {
			_, _ = h.Write([]byte(g.UserID + ":" + g.ProjectID + ":" + strings.ToLower(g.Role) + "|"))
		}
	}
	return "perm-" + strconv.FormatUint(h.Sum64(), 16)
}

// PolicyGate is a Gate backed by an in-memory Policy with thread-safe
// reload. It is the built-in authorization source; deployments with an
// external authorization service supply their own Gate.
type PolicyGate struct {
	mu   sync.RWMutex
	data Policy
}

// NewPolicyGate creates a gate from an initial policy snapshot.
func NewPolicyGate(initial Policy) *PolicyGate {
	return &PolicyGate{data: initial}
}

// Check resolves the caller's level and compares it to the requested
// minimum. Missing credential, unknown user, and unknown org all deny.
func (g *PolicyGate) Check(_ context.Context, actx action.Context, resourceType, resourceID string, level Level) error {
	if actx.UserID == "" || actx.OrgID == "" {
		return action.PermissionDeniedf("incomplete caller identity")
	}
	if !actx.Trusted && actx.Credential == "" {
		return action.PermissionDeniedf("missing credential")
	}

	g.mu.RLock()
	have, ok := g.data.levelFor(actx.OrgID, actx.ProjectID, actx.UserID)
	g.mu.RUnlock()

	if !ok || have < level {
		return action.PermissionDeniedf("user %s needs %s on %s %s", actx.UserID, level, resourceType, resourceID)
	}
	return nil
}

// PolicyVersion returns a hash of the active policy.
func (g *PolicyGate) PolicyVersion() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.data.version()
}

// Reload replaces the policy data from a fresh snapshot.
func (g *PolicyGate) Reload(p Policy) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.data = p
}

// ReloadFromFile updates the gate only when the incoming file parses and
// validates. On error, the previous policy remains active.
func ReloadFromFile(g *PolicyGate, path string) error {
	if g == nil {
		return fmt.Errorf("nil policy gate")
	}
	p, err := Load(path)
	if err != nil {
		return err
	}
	g.Reload(p)
	return nil
}
