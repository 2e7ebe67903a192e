// Package snapshot defines the immutable, point-in-time copies of durable
// entities that the cache layer holds in memory. A snapshot is never edited
// in place; mutations construct a new value and swap it under the owning
// cache's lock.
package snapshot

import (
	"encoding/json"
	"strings"
	"time"
)

// BlockType describes the global block scope of a plugin.
type BlockType string

const (
	BlockNone    BlockType = ""
	BlockPrivate BlockType = "private"
	BlockGroup   BlockType = "group"
	BlockAll     BlockType = "all"
)

// PluginKind classifies a plugin for permission purposes.
type PluginKind string

const (
	KindNormal    PluginKind = "normal"
	KindAdmin     PluginKind = "admin"
	KindSuperuser PluginKind = "superuser"
	KindHidden    PluginKind = "hidden"
)

// LimitKind is the closed set of rate/quota rule variants.
type LimitKind string

const (
	LimitCooldown LimitKind = "cooldown"
	LimitBlock    LimitKind = "block"
	LimitCount    LimitKind = "count"
)

// WatchScope decides which id keys a limit rule.
type WatchScope string

const (
	WatchUser  WatchScope = "user"
	WatchGroup WatchScope = "group"
)

// ModuleSet is a set of module names derived once from the delimited string
// the durable store uses ("<mod1,<mod2,"). It marshals back to that form so
// replication payloads mirror the storage format.
type ModuleSet map[string]struct{}

// ParseModuleList parses the delimited storage format into a set.
func ParseModuleList(s string) ModuleSet {
	set := ModuleSet{}
	for _, part := range strings.Split(s, "<") {
		part = strings.TrimSpace(strings.Trim(strings.TrimSpace(part), ","))
		if part != "" {
			set[part] = struct{}{}
		}
	}
	return set
}

// Has reports whether the module is in the set. Nil-safe.
func (m ModuleSet) Has(module string) bool {
	_, ok := m[module]
	return ok
}

// String renders the set in the delimited storage format. Order is not
// guaranteed; consumers only ever test membership.
func (m ModuleSet) String() string {
	if len(m) == 0 {
		return ""
	}
	var b strings.Builder
	for mod := range m {
		b.WriteByte('<')
		b.WriteString(mod)
		b.WriteByte(',')
	}
	return b.String()
}

func (m ModuleSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func (m *ModuleSet) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = ParseModuleList(raw)
	return nil
}

// PermanentBan is the duration value marking a ban that never expires.
const PermanentBan int64 = -1

// BanRecord is a ban against a user, a group, or a specific (user, group)
// pair. At least one of UserID/GroupID is non-empty.
type BanRecord struct {
	UserID   string `json:"user_id,omitempty" msgpack:"user_id"`
	GroupID  string `json:"group_id,omitempty" msgpack:"group_id"`
	Level    int    `json:"level" msgpack:"level"`
	BanTime  int64  `json:"ban_time" msgpack:"ban_time"`
	Duration int64  `json:"duration" msgpack:"duration"`
}

// Permanent reports whether the ban never expires.
func (b BanRecord) Permanent() bool { return b.Duration == PermanentBan }

// ExpireAt returns the expiry instant. ok is false for permanent bans.
func (b BanRecord) ExpireAt() (time.Time, bool) {
	if b.Permanent() {
		return time.Time{}, false
	}
	return time.Unix(b.BanTime+b.Duration, 0), true
}

// Remaining returns the seconds left on the ban at now: -1 for permanent
// bans, 0 once logically expired.
func (b BanRecord) Remaining(now time.Time) int64 {
	if b.Permanent() {
		return -1
	}
	left := b.BanTime + b.Duration - now.Unix()
	if left < 0 {
		return 0
	}
	return left
}

// Expired reports whether a non-permanent ban has run out at now.
func (b BanRecord) Expired(now time.Time) bool {
	return !b.Permanent() && b.Remaining(now) == 0
}

// Bot is the cached view of one bot instance. A disabled bot blocks all
// plugins regardless of group or plugin state.
type Bot struct {
	BotID          string    `json:"bot_id" msgpack:"bot_id"`
	Enabled        bool      `json:"enabled" msgpack:"enabled"`
	Platform       string    `json:"platform,omitempty" msgpack:"platform"`
	BlockedPlugins ModuleSet `json:"blocked_plugins" msgpack:"blocked_plugins"`
	BlockedTasks   ModuleSet `json:"blocked_tasks" msgpack:"blocked_tasks"`
}

// Group is the cached view of one group (optionally a channel inside a
// group). Level < 0 means the group is blacklisted.
type Group struct {
	GroupID   string `json:"group_id" msgpack:"group_id"`
	ChannelID string `json:"channel_id,omitempty" msgpack:"channel_id"`
	Name      string `json:"name,omitempty" msgpack:"name"`
	Level     int    `json:"level" msgpack:"level"`
	Enabled   bool   `json:"enabled" msgpack:"enabled"`
	Trusted   bool   `json:"trusted" msgpack:"trusted"`
	Platform  string `json:"platform,omitempty" msgpack:"platform"`

	BlockedPlugins          ModuleSet `json:"blocked_plugins" msgpack:"blocked_plugins"`
	SuperuserBlockedPlugins ModuleSet `json:"superuser_blocked_plugins" msgpack:"superuser_blocked_plugins"`
	BlockedTasks            ModuleSet `json:"blocked_tasks" msgpack:"blocked_tasks"`
}

// Key returns the composite cache key. ChannelID is "" for plain groups.
func (g Group) Key() GroupKey { return GroupKey{GroupID: g.GroupID, ChannelID: g.ChannelID} }

// GroupKey identifies a group snapshot.
type GroupKey struct {
	GroupID   string
	ChannelID string
}

// Plugin is the cached view of one plugin's permission metadata.
type Plugin struct {
	Module         string     `json:"module" msgpack:"module"`
	Name           string     `json:"name,omitempty" msgpack:"name"`
	Enabled        bool       `json:"enabled" msgpack:"enabled"`
	BlockType      BlockType  `json:"block_type" msgpack:"block_type"`
	Kind           PluginKind `json:"kind" msgpack:"kind"`
	AdminLevel     int        `json:"admin_level" msgpack:"admin_level"`
	GroupLevel     int        `json:"group_level" msgpack:"group_level"`
	CostGold       int64      `json:"cost_gold" msgpack:"cost_gold"`
	LimitSuperuser bool       `json:"limit_superuser" msgpack:"limit_superuser"`
	Triggers       []string   `json:"triggers,omitempty" msgpack:"triggers"`
}

// GloballyDisabled reports whether the plugin is turned off everywhere
// (trusted groups are exempted by the pipeline, not here).
func (p Plugin) GloballyDisabled() bool {
	return p.BlockType == BlockAll && !p.Enabled
}

// LimitRule is one rate/quota rule for a plugin. At most one enabled rule
// per (module, kind) is consulted per check.
type LimitRule struct {
	ID              int64      `json:"id" msgpack:"id"`
	Module          string     `json:"module" msgpack:"module"`
	Kind            LimitKind  `json:"kind" msgpack:"kind"`
	Scope           WatchScope `json:"scope" msgpack:"scope"`
	Enabled         bool       `json:"enabled" msgpack:"enabled"`
	Result          string     `json:"result,omitempty" msgpack:"result"`
	CooldownSeconds int        `json:"cooldown_seconds,omitempty" msgpack:"cooldown_seconds"`
	MaxCount        int        `json:"max_count,omitempty" msgpack:"max_count"`
}

// AdminLevel is a user's permission level, globally (GroupID == "") or
// within one group. The effective level is max(global, group-specific).
type AdminLevel struct {
	UserID  string `json:"user_id" msgpack:"user_id"`
	GroupID string `json:"group_id,omitempty" msgpack:"group_id"`
	Level   int    `json:"level" msgpack:"level"`
}

// Key returns the composite cache key.
func (a AdminLevel) Key() LevelKey { return LevelKey{UserID: a.UserID, GroupID: a.GroupID} }

// LevelKey identifies an admin-level snapshot.
type LevelKey struct {
	UserID  string
	GroupID string
}

// User is a durable user row. The registry caches existence and gold
// balance; the row itself is created lazily by the batch inserter.
type User struct {
	UserID    string    `json:"user_id" msgpack:"user_id"`
	UID       int64     `json:"uid" msgpack:"uid"`
	Platform  string    `json:"platform,omitempty" msgpack:"platform"`
	Gold      int64     `json:"gold" msgpack:"gold"`
	CreatedAt time.Time `json:"created_at" msgpack:"created_at"`
}
