package chatsync

// GateState is the permission gate's current verdict.
type GateState string

const (
	GateAllowed GateState = "allowed"
	GateDenied  GateState = "denied"
)

// CanSend reports whether a member with role may send in a channel with cfg.
// A nil cfg means the channel has no configuration and is permissive.
func CanSend(cfg ChannelConfig, role Role) bool {
	return cfg.Allows(CapSendMessages) || role.Elevated()
}

// CanAddMembers applies the same rule to the add_members capability.
func CanAddMembers(cfg ChannelConfig, role Role) bool {
	return cfg.Allows(CapAddMembers) || role.Elevated()
}

// PermissionGate derives "may send" for the current user from the last
// channel config and role it has seen.
//
// The gate starts allowed and treats an absent config as permissive
// (fail-open). In strict mode it starts denied and an absent config denies
// non-elevated members.
type PermissionGate struct {
	strict     bool
	config     ChannelConfig
	role       Role
	configSeen bool
	state      GateState
}

// NewPermissionGate returns a gate in its initial state.
func NewPermissionGate(strict bool) *PermissionGate {
	g := &PermissionGate{strict: strict, role: RoleMember}
	g.state = g.evaluate()
	return g
}

// State returns the current verdict.
func (g *PermissionGate) State() GateState { return g.state }

// CanSend reports whether a send intent may proceed.
func (g *PermissionGate) CanSend() bool { return g.state == GateAllowed }

// CanAddMembers reports the add_members capability for the current user.
func (g *PermissionGate) CanAddMembers() bool {
	if !g.configSeen {
		return !g.strict
	}
	if g.config == nil && g.strict {
		return g.role.Elevated()
	}
	return CanAddMembers(g.config, g.role)
}

// Role returns the last role seen.
func (g *PermissionGate) Role() Role { return g.role }

// SetConfig records a fetched or pushed channel config. It reports whether
// the verdict changed.
func (g *PermissionGate) SetConfig(cfg ChannelConfig) bool {
	g.config = cfg
	g.configSeen = true
	return g.update()
}

// SetRole records the current user's role. It reports whether the verdict
// changed.
func (g *PermissionGate) SetRole(role Role) bool {
	if role == "" {
		role = RoleMember
	}
	g.role = role
	return g.update()
}

// Reset returns the gate to its initial state.
func (g *PermissionGate) Reset() bool {
	g.config = nil
	g.configSeen = false
	g.role = RoleMember
	return g.update()
}

func (g *PermissionGate) update() bool {
	next := g.evaluate()
	changed := next != g.state
	g.state = next
	return changed
}

func (g *PermissionGate) evaluate() GateState {
	allowed := false
	switch {
	case !g.configSeen:
		allowed = !g.strict || g.role.Elevated()
	case g.config == nil && g.strict:
		allowed = g.role.Elevated()
	default:
		allowed = CanSend(g.config, g.role)
	}
	if allowed {
		return GateAllowed
	}
	return GateDenied
}
