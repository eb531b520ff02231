package sessions

import "testing"

func TestDMKeyPolicies(t *testing.T) {
	tests := []struct {
		name    string
		scope   string
		channel string
		account string
		peer    string
		want    string
	}{
		{"single global", DMScopeSingleGlobal, "telegram", "", "alice", "agent:trader:main"},
		{"per peer", DMScopePerPeer, "telegram", "", "alice", "agent:trader:dm:telegram:alice"},
		{"per channel peer", DMScopePerChannelPeer, "telegram", "", "alice", "agent:trader:telegram:dm:alice"},
		{"per account channel peer", DMScopePerAcctChannelPeer, "telegram", "acct1", "alice", "agent:trader:telegram:acct1:dm:alice"},
		{"unknown falls back to main", "per-thread", "telegram", "", "alice", "agent:trader:main"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewKeyBuilder("trader", ScopeConfig{DMScope: tt.scope})
			got := b.DMKey(tt.channel, tt.account, tt.peer)
			if got != tt.want {
				t.Errorf("DMKey = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIdentityLinkResolution(t *testing.T) {
	b := NewKeyBuilder("trader", ScopeConfig{
		DMScope: DMScopePerPeer,
		IdentityLinks: map[string][]string{
			"alice": {"telegram:12345", "discord:alice#1"},
		},
	})

	tg := b.DMKey("telegram", "", "12345")
	dc := b.DMKey("discord", "", "alice#1")
	if tg != dc {
		t.Errorf("linked identities produced different keys: %q vs %q", tg, dc)
	}
	if tg != "agent:trader:dm:alice" {
		t.Errorf("key = %q, want canonical peer", tg)
	}

	unlinked := b.DMKey("telegram", "", "99999")
	if unlinked != "agent:trader:dm:telegram:99999" {
		t.Errorf("unlinked key = %q", unlinked)
	}
}

func TestAuxiliaryKeys(t *testing.T) {
	b := NewKeyBuilder("trader", ScopeConfig{})
	if got := b.GroupKey("discord", "g1", ""); got != "agent:trader:discord:group:g1" {
		t.Errorf("GroupKey = %q", got)
	}
	if got := b.GroupKey("discord", "g1", "t9"); got != "agent:trader:discord:group:g1:t9" {
		t.Errorf("threaded GroupKey = %q", got)
	}
	if got := b.CronKey("job-1"); got != "agent:trader:cron:job-1" {
		t.Errorf("CronKey = %q", got)
	}
	if got := b.NodeKey("n1"); got != "agent:trader:node:n1" {
		t.Errorf("NodeKey = %q", got)
	}
}
