// Package cache owns the in-memory snapshot state the policy pipeline
// reads. One manager per process supervises per-entity caches, their
// refresh loops, ban cleanup, the user registry and outbound replication.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nekobot/gatekeeper/internal/metrics"
	"github.com/nekobot/gatekeeper/internal/replication"
	"github.com/nekobot/gatekeeper/internal/snapshot"
	"github.com/nekobot/gatekeeper/internal/storage"
)

// Config holds cache scheduling knobs.
type Config struct {
	BanRefreshInterval    time.Duration
	BotRefreshInterval    time.Duration
	GroupRefreshInterval  time.Duration
	PluginRefreshInterval time.Duration
	LimitRefreshInterval  time.Duration
	LevelRefreshInterval  time.Duration

	BotNegativeTTL    time.Duration
	GroupNegativeTTL  time.Duration
	PluginNegativeTTL time.Duration
	LevelNegativeTTL  time.Duration

	BanCleanInterval time.Duration
	BanCleanupDB     bool

	UserFlushBatch int
}

const publishQueueDepth = 256

type pubMsg struct {
	kind   storage.Kind
	action replication.Action
	data   any
}

// Manager owns every snapshot cache. Stages and the admission layer read
// only through its accessors; all writes to the underlying maps happen
// here.
type Manager struct {
	store storage.Store
	cfg   Config
	pub   replication.Publisher
	log   zerolog.Logger

	bans    *banCache
	bots    *entityCache[string, snapshot.Bot]
	groups  *entityCache[snapshot.GroupKey, snapshot.Group]
	plugins *entityCache[string, snapshot.Plugin]
	limits  *entityCache[int64, snapshot.LimitRule]
	levels  *entityCache[snapshot.LevelKey, snapshot.AdminLevel]
	users   *UserRegistry

	pubQ chan pubMsg
}

// NewManager wires the per-entity caches against store. pub may be nil
// when replication is disabled.
func NewManager(store storage.Store, cfg Config, pub replication.Publisher, log zerolog.Logger) *Manager {
	if pub == nil {
		pub = replication.NoopPublisher{}
	}
	m := &Manager{
		store: store,
		cfg:   cfg,
		pub:   pub,
		log:   log.With().Str("component", "cache").Logger(),
		pubQ:  make(chan pubMsg, publishQueueDepth),
	}

	m.bans = newBanCache(store.ListBans, m.banExpired, log)

	m.bots = newEntityCache(storage.KindBot, cfg.BotNegativeTTL,
		func() (map[string]snapshot.Bot, error) {
			recs, err := store.ListBots()
			if err != nil {
				return nil, err
			}
			out := make(map[string]snapshot.Bot, len(recs))
			for _, r := range recs {
				out[r.BotID] = r
			}
			return out, nil
		},
		store.GetBot, log)

	m.groups = newEntityCache(storage.KindGroup, cfg.GroupNegativeTTL,
		func() (map[snapshot.GroupKey]snapshot.Group, error) {
			recs, err := store.ListGroups()
			if err != nil {
				return nil, err
			}
			out := make(map[snapshot.GroupKey]snapshot.Group, len(recs))
			for _, r := range recs {
				out[r.Key()] = r
			}
			return out, nil
		},
		store.GetGroup, log)

	m.plugins = newEntityCache(storage.KindPlugin, cfg.PluginNegativeTTL,
		func() (map[string]snapshot.Plugin, error) {
			recs, err := store.ListPlugins()
			if err != nil {
				return nil, err
			}
			out := make(map[string]snapshot.Plugin, len(recs))
			for _, r := range recs {
				out[r.Module] = r
			}
			return out, nil
		},
		store.GetPlugin, log)

	// Limit rules have no single-key storage read; the full set is small
	// and always resident.
	m.limits = newEntityCache[int64, snapshot.LimitRule](storage.KindLimit, time.Minute,
		func() (map[int64]snapshot.LimitRule, error) {
			recs, err := store.ListLimits()
			if err != nil {
				return nil, err
			}
			out := make(map[int64]snapshot.LimitRule, len(recs))
			for _, r := range recs {
				out[r.ID] = r
			}
			return out, nil
		},
		nil, log)

	m.levels = newEntityCache(storage.KindLevel, cfg.LevelNegativeTTL,
		func() (map[snapshot.LevelKey]snapshot.AdminLevel, error) {
			recs, err := store.ListLevels()
			if err != nil {
				return nil, err
			}
			out := make(map[snapshot.LevelKey]snapshot.AdminLevel, len(recs))
			for _, r := range recs {
				out[r.Key()] = r
			}
			return out, nil
		},
		store.GetLevel, log)

	m.users = NewUserRegistry(store, cfg.UserFlushBatch, log)

	return m
}

// Init performs the startup full load. Callers must not serve traffic
// before it returns; it releases the per-cache ready barriers.
func (m *Manager) Init(ctx context.Context) error {
	type step struct {
		name string
		fn   func() error
	}
	for _, s := range []step{
		{"bans", m.bans.Refresh},
		{"bots", m.bots.Refresh},
		{"groups", m.groups.Refresh},
		{"plugins", m.plugins.Refresh},
		{"limits", m.limits.Refresh},
		{"levels", m.levels.Refresh},
		{"users", m.users.Load},
	} {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.fn(); err != nil {
			return fmt.Errorf("initial %s load: %w", s.name, err)
		}
	}
	m.log.Info().
		Int("bans", m.bans.Len()).
		Int("bots", m.bots.Len()).
		Int("groups", m.groups.Len()).
		Int("plugins", m.plugins.Len()).
		Int("limits", m.limits.Len()).
		Int("levels", m.levels.Len()).
		Msg("caches loaded")
	return nil
}

// Run supervises the refresh loops, the ban cleanup loop, the user batch
// flusher and the publish worker until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return m.refreshLoop(ctx, "bans", m.cfg.BanRefreshInterval, m.bans.Refresh) })
	g.Go(func() error { return m.refreshLoop(ctx, "bots", m.cfg.BotRefreshInterval, m.bots.Refresh) })
	g.Go(func() error { return m.refreshLoop(ctx, "groups", m.cfg.GroupRefreshInterval, m.groups.Refresh) })
	g.Go(func() error { return m.refreshLoop(ctx, "plugins", m.cfg.PluginRefreshInterval, m.plugins.Refresh) })
	g.Go(func() error { return m.refreshLoop(ctx, "limits", m.cfg.LimitRefreshInterval, m.limits.Refresh) })
	g.Go(func() error { return m.refreshLoop(ctx, "levels", m.cfg.LevelRefreshInterval, m.levels.Refresh) })
	g.Go(func() error { return m.banCleanupLoop(ctx) })
	g.Go(func() error { return m.users.Run(ctx) })
	g.Go(func() error { return m.publishLoop(ctx) })

	return g.Wait()
}

// refreshLoop reloads one cache on a fixed interval. A failed reload is
// logged and retried next tick; it never stops the loop.
func (m *Manager) refreshLoop(ctx context.Context, name string, interval time.Duration, refresh func() error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := refresh(); err != nil {
				m.log.Error().Err(err).Str("cache", name).Msg("periodic refresh failed")
			}
		}
	}
}

// banCleanupLoop sweeps expired bans out of memory and, when configured,
// out of durable storage.
func (m *Manager) banCleanupLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.BanCleanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			evicted := m.bans.CleanupExpired()
			if evicted > 0 {
				m.log.Info().Int("evicted", evicted).Msg("expired bans swept from cache")
			}
			if m.cfg.BanCleanupDB {
				pruned, err := m.store.PruneExpiredBans(time.Now())
				if err != nil {
					m.log.Error().Err(err).Msg("ban storage prune failed")
				} else if pruned > 0 {
					m.log.Info().Int("pruned", pruned).Msg("expired bans pruned from storage")
				}
			}
			if size, err := m.store.SizeBytes(); err == nil {
				metrics.DBSizeBytes.Set(float64(size))
			}
		}
	}
}

// banExpired is the lazy-expiry callback: fire-and-forget storage delete
// plus a replication delete so peers evict too.
func (m *Manager) banExpired(rec snapshot.BanRecord) {
	if err := m.store.DeleteBan(rec.UserID, rec.GroupID); err != nil {
		m.log.Error().Err(err).Str("user", rec.UserID).Str("group", rec.GroupID).
			Msg("expired ban delete failed")
	}
	m.publish(storage.KindBan, replication.ActionDelete,
		banKeyPayload{UserID: rec.UserID, GroupID: rec.GroupID})
}

// ---- Outbound replication ----------------------------------------------

// publish enqueues one mutation for the publish worker. Never blocks; a
// full queue drops the message (the periodic refresh backstop covers it).
func (m *Manager) publish(kind storage.Kind, action replication.Action, data any) {
	select {
	case m.pubQ <- pubMsg{kind: kind, action: action, data: data}:
	default:
		m.log.Warn().Str("kind", string(kind)).Str("action", string(action)).
			Msg("replication publish queue full, dropping")
	}
}

func (m *Manager) publishLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-m.pubQ:
			pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			if err := m.pub.Publish(pctx, msg.kind, msg.action, msg.data); err != nil {
				m.log.Error().Err(err).Str("kind", string(msg.kind)).
					Str("action", string(msg.action)).Msg("replication publish failed")
			}
			cancel()
		}
	}
}

// ---- Mutation hooks ------------------------------------------------------

// Key payloads for replication delete actions.
type banKeyPayload struct {
	UserID  string `json:"user_id,omitempty"`
	GroupID string `json:"group_id,omitempty"`
}

type botKeyPayload struct {
	BotID string `json:"bot_id"`
}

type groupKeyPayload struct {
	GroupID   string `json:"group_id"`
	ChannelID string `json:"channel_id,omitempty"`
}

type pluginKeyPayload struct {
	Module string `json:"module"`
}

type limitKeyPayload struct {
	ID int64 `json:"id"`
}

type levelKeyPayload struct {
	UserID  string `json:"user_id"`
	GroupID string `json:"group_id,omitempty"`
}

// Hooks returns the mutation observers the durable store must invoke
// synchronously after every write. They upsert/remove the local snapshot
// immediately and publish the change to peers.
func (m *Manager) Hooks() *storage.Hooks {
	return &storage.Hooks{
		BanUpserted: func(rec snapshot.BanRecord) {
			m.bans.Upsert(rec)
			m.publish(storage.KindBan, replication.ActionUpsert, rec)
		},
		BanDeleted: func(userID, groupID string) {
			m.bans.Remove(userID, groupID)
			m.publish(storage.KindBan, replication.ActionDelete, banKeyPayload{UserID: userID, GroupID: groupID})
		},
		BotUpserted: func(rec snapshot.Bot) {
			m.bots.Upsert(rec.BotID, rec)
			m.publish(storage.KindBot, replication.ActionUpsert, rec)
		},
		BotDeleted: func(botID string) {
			m.bots.Remove(botID)
			m.publish(storage.KindBot, replication.ActionDelete, botKeyPayload{BotID: botID})
		},
		GroupUpserted: func(rec snapshot.Group) {
			m.groups.Upsert(rec.Key(), rec)
			m.publish(storage.KindGroup, replication.ActionUpsert, rec)
		},
		GroupDeleted: func(key snapshot.GroupKey) {
			m.groups.Remove(key)
			m.publish(storage.KindGroup, replication.ActionDelete,
				groupKeyPayload{GroupID: key.GroupID, ChannelID: key.ChannelID})
		},
		PluginUpserted: func(rec snapshot.Plugin) {
			m.plugins.Upsert(rec.Module, rec)
			m.publish(storage.KindPlugin, replication.ActionUpsert, rec)
		},
		PluginDeleted: func(module string) {
			m.plugins.Remove(module)
			m.publish(storage.KindPlugin, replication.ActionDelete, pluginKeyPayload{Module: module})
		},
		LimitUpserted: func(rec snapshot.LimitRule) {
			m.limits.Upsert(rec.ID, rec)
			m.publish(storage.KindLimit, replication.ActionUpsert, rec)
		},
		LimitDeleted: func(id int64) {
			m.limits.Remove(id)
			m.publish(storage.KindLimit, replication.ActionDelete, limitKeyPayload{ID: id})
		},
		LevelUpserted: func(rec snapshot.AdminLevel) {
			m.levels.Upsert(rec.Key(), rec)
			m.publish(storage.KindLevel, replication.ActionUpsert, rec)
		},
		LevelDeleted: func(key snapshot.LevelKey) {
			m.levels.Remove(key)
			m.publish(storage.KindLevel, replication.ActionDelete,
				levelKeyPayload{UserID: key.UserID, GroupID: key.GroupID})
		},
	}
}

// ---- Inbound replication -------------------------------------------------

// Apply dispatches one remote mutation to the matching cache. Applying
// the same upsert twice is idempotent. Remote events are never
// re-published.
func (m *Manager) Apply(ev replication.Event) error {
	switch ev.Action {
	case replication.ActionUpsert:
		return m.applyUpsert(ev)
	case replication.ActionDelete:
		return m.applyDelete(ev)
	case replication.ActionRefresh:
		return m.applyRefresh(ev.Type)
	default:
		return fmt.Errorf("unknown replication action %q", ev.Action)
	}
}

func (m *Manager) applyUpsert(ev replication.Event) error {
	switch ev.Type {
	case storage.KindBan:
		var rec snapshot.BanRecord
		if err := json.Unmarshal(ev.Data, &rec); err != nil {
			return fmt.Errorf("decode ban upsert: %w", err)
		}
		m.bans.Upsert(rec)
	case storage.KindBot:
		var rec snapshot.Bot
		if err := json.Unmarshal(ev.Data, &rec); err != nil {
			return fmt.Errorf("decode bot upsert: %w", err)
		}
		m.bots.Upsert(rec.BotID, rec)
	case storage.KindGroup:
		var rec snapshot.Group
		if err := json.Unmarshal(ev.Data, &rec); err != nil {
			return fmt.Errorf("decode group upsert: %w", err)
		}
		m.groups.Upsert(rec.Key(), rec)
	case storage.KindPlugin:
		var rec snapshot.Plugin
		if err := json.Unmarshal(ev.Data, &rec); err != nil {
			return fmt.Errorf("decode plugin upsert: %w", err)
		}
		m.plugins.Upsert(rec.Module, rec)
	case storage.KindLimit:
		var rec snapshot.LimitRule
		if err := json.Unmarshal(ev.Data, &rec); err != nil {
			return fmt.Errorf("decode limit upsert: %w", err)
		}
		m.limits.Upsert(rec.ID, rec)
	case storage.KindLevel:
		var rec snapshot.AdminLevel
		if err := json.Unmarshal(ev.Data, &rec); err != nil {
			return fmt.Errorf("decode level upsert: %w", err)
		}
		m.levels.Upsert(rec.Key(), rec)
	default:
		return fmt.Errorf("unknown entity kind %q", ev.Type)
	}
	return nil
}

func (m *Manager) applyDelete(ev replication.Event) error {
	switch ev.Type {
	case storage.KindBan:
		var key banKeyPayload
		if err := json.Unmarshal(ev.Data, &key); err != nil {
			return fmt.Errorf("decode ban delete: %w", err)
		}
		m.bans.Remove(key.UserID, key.GroupID)
	case storage.KindBot:
		var key botKeyPayload
		if err := json.Unmarshal(ev.Data, &key); err != nil {
			return fmt.Errorf("decode bot delete: %w", err)
		}
		m.bots.Remove(key.BotID)
	case storage.KindGroup:
		var key groupKeyPayload
		if err := json.Unmarshal(ev.Data, &key); err != nil {
			return fmt.Errorf("decode group delete: %w", err)
		}
		m.groups.Remove(snapshot.GroupKey{GroupID: key.GroupID, ChannelID: key.ChannelID})
	case storage.KindPlugin:
		var key pluginKeyPayload
		if err := json.Unmarshal(ev.Data, &key); err != nil {
			return fmt.Errorf("decode plugin delete: %w", err)
		}
		m.plugins.Remove(key.Module)
	case storage.KindLimit:
		var key limitKeyPayload
		if err := json.Unmarshal(ev.Data, &key); err != nil {
			return fmt.Errorf("decode limit delete: %w", err)
		}
		m.limits.Remove(key.ID)
	case storage.KindLevel:
		var key levelKeyPayload
		if err := json.Unmarshal(ev.Data, &key); err != nil {
			return fmt.Errorf("decode level delete: %w", err)
		}
		m.levels.Remove(snapshot.LevelKey{UserID: key.UserID, GroupID: key.GroupID})
	default:
		return fmt.Errorf("unknown entity kind %q", ev.Type)
	}
	return nil
}

func (m *Manager) applyRefresh(kind storage.Kind) error {
	switch kind {
	case storage.KindBan:
		return m.bans.Refresh()
	case storage.KindBot:
		return m.bots.Refresh()
	case storage.KindGroup:
		return m.groups.Refresh()
	case storage.KindPlugin:
		return m.plugins.Refresh()
	case storage.KindLimit:
		return m.limits.Refresh()
	case storage.KindLevel:
		return m.levels.Refresh()
	default:
		return fmt.Errorf("unknown entity kind %q", kind)
	}
}

// ---- Read API --------------------------------------------------------------

// IsBanned blocks on the ban cache's startup barrier, then reports whether
// an effective ban covers (userID, groupID).
func (m *Manager) IsBanned(ctx context.Context, userID, groupID string) (bool, error) {
	return m.bans.IsBanned(ctx, userID, groupID)
}

// IsBannedIfReady never blocks. ready is false before the initial load.
func (m *Manager) IsBannedIfReady(userID, groupID string) (banned, ready bool) {
	return m.bans.IsBannedIfReady(userID, groupID)
}

// BanRemaining returns seconds left on the effective ban: -1 permanent,
// 0 not banned.
func (m *Manager) BanRemaining(userID, groupID string) int64 {
	return m.bans.Remaining(userID, groupID)
}

// CheckBanLevel reports whether an effective ban exists at or below level.
func (m *Manager) CheckBanLevel(userID, groupID string, level int) bool {
	return m.bans.CheckBanLevel(userID, groupID, level)
}

// Bot returns the bot snapshot, nil when absent.
func (m *Manager) Bot(ctx context.Context, botID string) (*snapshot.Bot, error) {
	return m.bots.Get(ctx, botID)
}

// Group returns the group snapshot, nil when absent.
func (m *Manager) Group(ctx context.Context, key snapshot.GroupKey) (*snapshot.Group, error) {
	return m.groups.Get(ctx, key)
}

// Plugin returns the plugin snapshot, nil when absent.
func (m *Manager) Plugin(ctx context.Context, module string) (*snapshot.Plugin, error) {
	return m.plugins.Get(ctx, module)
}

// PluginIfReady never blocks; ok is false before the initial load.
func (m *Manager) PluginIfReady(module string) (*snapshot.Plugin, bool) {
	return m.plugins.GetIfReady(module)
}

// EffectiveLevel returns max(global level, group level) for the user.
func (m *Manager) EffectiveLevel(ctx context.Context, userID, groupID string) (int, error) {
	level := 0
	global, err := m.levels.Get(ctx, snapshot.LevelKey{UserID: userID})
	if err != nil {
		return 0, err
	}
	if global != nil {
		level = global.Level
	}
	if groupID != "" {
		scoped, err := m.levels.Get(ctx, snapshot.LevelKey{UserID: userID, GroupID: groupID})
		if err != nil {
			return 0, err
		}
		if scoped != nil && scoped.Level > level {
			level = scoped.Level
		}
	}
	return level, nil
}

// LimitsFor returns the enabled limit rules declared for module.
func (m *Manager) LimitsFor(module string) []snapshot.LimitRule {
	var out []snapshot.LimitRule
	m.limits.forEach(func(_ int64, rule snapshot.LimitRule) {
		if rule.Module == module && rule.Enabled {
			out = append(out, rule)
		}
	})
	return out
}

// Users exposes the user registry.
func (m *Manager) Users() *UserRegistry { return m.users }
