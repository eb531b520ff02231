package sessions

import "strings"

// DM scope policies.
const (
	DMScopeSingleGlobal       = "single-global"
	DMScopePerPeer            = "per-peer"
	DMScopePerChannelPeer     = "per-channel-peer"
	DMScopePerAcctChannelPeer = "per-account-channel-peer"
)

// ScopeConfig holds session scoping configuration.
// This mirrors config.SessionConfig to avoid an import cycle.
type ScopeConfig struct {
	// DMScope controls whether DMs from distinct peers or channels share a
	// session key or are isolated. One of the DMScope* constants.
	DMScope string

	// IdentityLinks maps canonical peer IDs to channel-specific identities.
	// Format: canonical_id -> ["channel:peer_id", ...]
	IdentityLinks map[string][]string

	// Reset configures default session reset behavior.
	Reset ResetConfig

	// ResetByType configures reset behavior per session type (dm, group, thread).
	ResetByType map[string]ResetConfig

	// ResetByChannel configures reset behavior per channel.
	ResetByChannel map[string]ResetConfig
}

// ResetConfig controls when sessions are automatically reset.
type ResetConfig struct {
	// Mode is "daily", "idle", "both", or "" (never).
	Mode string

	// AtHour is the hour (0-23) to reset sessions when mode includes daily.
	AtHour int

	// IdleMinutes is the inactivity threshold when mode includes idle.
	IdleMinutes int
}

// KeyBuilder derives session keys from inbound message coordinates.
type KeyBuilder struct {
	agentID string
	cfg     ScopeConfig
}

// NewKeyBuilder creates a KeyBuilder for one agent.
func NewKeyBuilder(agentID string, cfg ScopeConfig) *KeyBuilder {
	return &KeyBuilder{agentID: agentID, cfg: cfg}
}

// MainKey is the agent's primary session key, shared by the heartbeat runner
// and single-global DMs.
func (b *KeyBuilder) MainKey() string {
	return "agent:" + b.agentID + ":main"
}

// DMKey derives the key for a direct message according to the DM scope policy.
// account may be empty unless the policy is per-account-channel-peer.
func (b *KeyBuilder) DMKey(channel, account, peer string) string {
	switch strings.ToLower(b.cfg.DMScope) {
	case DMScopePerPeer:
		return "agent:" + b.agentID + ":dm:" + b.ResolvePeer(channel, peer)
	case DMScopePerChannelPeer:
		return "agent:" + b.agentID + ":" + channel + ":dm:" + peer
	case DMScopePerAcctChannelPeer:
		return "agent:" + b.agentID + ":" + channel + ":" + account + ":dm:" + peer
	default:
		return b.MainKey()
	}
}

// GroupKey derives the key for a group conversation, optionally threaded.
func (b *KeyBuilder) GroupKey(channel, groupID, threadID string) string {
	key := "agent:" + b.agentID + ":" + channel + ":group:" + groupID
	if threadID != "" {
		key += ":" + threadID
	}
	return key
}

// CronKey derives the isolated key for a cron job's session.
func (b *KeyBuilder) CronKey(jobID string) string {
	return "agent:" + b.agentID + ":cron:" + jobID
}

// NodeKey derives the key for a paired node client.
func (b *KeyBuilder) NodeKey(nodeID string) string {
	return "agent:" + b.agentID + ":node:" + nodeID
}

// ResolvePeer maps a channel-specific peer to its canonical identity if an
// identity link exists, so one human mapped to two channel accounts lands on
// one session. Without a link the channel-qualified id is returned.
func (b *KeyBuilder) ResolvePeer(channel, peer string) string {
	platformID := channel + ":" + peer
	for canonical, linked := range b.cfg.IdentityLinks {
		for _, id := range linked {
			if id == platformID {
				return canonical
			}
		}
	}
	return platformID
}
