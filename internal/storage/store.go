package storage

import (
	"time"

	"github.com/nekobot/gatekeeper/internal/snapshot"
)

// Kind names an entity kind. The values double as the replication message
// type field, so they are part of the wire format.
type Kind string

const (
	KindBan    Kind = "ban"
	KindBot    Kind = "bot"
	KindGroup  Kind = "group"
	KindLevel  Kind = "level"
	KindPlugin Kind = "plugin"
	KindLimit  Kind = "plugin_limit"
	KindUser   Kind = "user"
)

// Store is the durable-storage collaborator consumed by the cache managers.
// The cache layer is the only reader on the hot path; everything here may
// block on I/O.
type Store interface {
	// Bans
	ListBans() ([]snapshot.BanRecord, error)
	PutBan(rec snapshot.BanRecord) error
	DeleteBan(userID, groupID string) error
	PruneExpiredBans(now time.Time) (int, error)

	// Bots
	ListBots() ([]snapshot.Bot, error)
	GetBot(botID string) (*snapshot.Bot, error)
	PutBot(rec snapshot.Bot) error
	DeleteBot(botID string) error

	// Groups
	ListGroups() ([]snapshot.Group, error)
	GetGroup(key snapshot.GroupKey) (*snapshot.Group, error)
	PutGroup(rec snapshot.Group) error
	DeleteGroup(key snapshot.GroupKey) error

	// Plugins
	ListPlugins() ([]snapshot.Plugin, error)
	GetPlugin(module string) (*snapshot.Plugin, error)
	PutPlugin(rec snapshot.Plugin) error
	DeletePlugin(module string) error

	// Limit rules
	ListLimits() ([]snapshot.LimitRule, error)
	PutLimit(rec snapshot.LimitRule) error
	DeleteLimit(id int64) error

	// Admin levels
	ListLevels() ([]snapshot.AdminLevel, error)
	GetLevel(key snapshot.LevelKey) (*snapshot.AdminLevel, error)
	PutLevel(rec snapshot.AdminLevel) error
	DeleteLevel(key snapshot.LevelKey) error

	// Users
	ListUsers() ([]snapshot.User, error)
	GetUser(userID string) (*snapshot.User, error)
	PutUsers(recs []snapshot.User) error
	MaxUserUID() (int64, error)
	SetGold(userID string, gold int64) error

	// Utility
	SizeBytes() (int64, error)
	Close() error
}

// Hooks are invoked synchronously after every successful write so the cache
// layer can upsert/remove immediately. Replication and periodic refresh are
// backstops, not the primary propagation path. Nil fields are skipped.
type Hooks struct {
	BanUpserted    func(snapshot.BanRecord)
	BanDeleted     func(userID, groupID string)
	BotUpserted    func(snapshot.Bot)
	BotDeleted     func(botID string)
	GroupUpserted  func(snapshot.Group)
	GroupDeleted   func(snapshot.GroupKey)
	PluginUpserted func(snapshot.Plugin)
	PluginDeleted  func(module string)
	LimitUpserted  func(snapshot.LimitRule)
	LimitDeleted   func(id int64)
	LevelUpserted  func(snapshot.AdminLevel)
	LevelDeleted   func(snapshot.LevelKey)
	UsersInserted  func([]snapshot.User)
}

// WithHooks wraps a Store so that every successful mutation invokes the
// matching hook before returning. Read methods pass through.
func WithHooks(s Store, h *Hooks) Store {
	return &hookedStore{Store: s, hooks: h}
}

type hookedStore struct {
	Store
	hooks *Hooks
}

func (s *hookedStore) PutBan(rec snapshot.BanRecord) error {
	if err := s.Store.PutBan(rec); err != nil {
		return err
	}
	if s.hooks.BanUpserted != nil {
		s.hooks.BanUpserted(rec)
	}
	return nil
}

func (s *hookedStore) DeleteBan(userID, groupID string) error {
	if err := s.Store.DeleteBan(userID, groupID); err != nil {
		return err
	}
	if s.hooks.BanDeleted != nil {
		s.hooks.BanDeleted(userID, groupID)
	}
	return nil
}

func (s *hookedStore) PutBot(rec snapshot.Bot) error {
	if err := s.Store.PutBot(rec); err != nil {
		return err
	}
	if s.hooks.BotUpserted != nil {
		s.hooks.BotUpserted(rec)
	}
	return nil
}

func (s *hookedStore) DeleteBot(botID string) error {
	if err := s.Store.DeleteBot(botID); err != nil {
		return err
	}
	if s.hooks.BotDeleted != nil {
		s.hooks.BotDeleted(botID)
	}
	return nil
}

func (s *hookedStore) PutGroup(rec snapshot.Group) error {
	if err := s.Store.PutGroup(rec); err != nil {
		return err
	}
	if s.hooks.GroupUpserted != nil {
		s.hooks.GroupUpserted(rec)
	}
	return nil
}

func (s *hookedStore) DeleteGroup(key snapshot.GroupKey) error {
	if err := s.Store.DeleteGroup(key); err != nil {
		return err
	}
	if s.hooks.GroupDeleted != nil {
		s.hooks.GroupDeleted(key)
	}
	return nil
}

func (s *hookedStore) PutPlugin(rec snapshot.Plugin) error {
	if err := s.Store.PutPlugin(rec); err != nil {
		return err
	}
	if s.hooks.PluginUpserted != nil {
		s.hooks.PluginUpserted(rec)
	}
	return nil
}

func (s *hookedStore) DeletePlugin(module string) error {
	if err := s.Store.DeletePlugin(module); err != nil {
		return err
	}
	if s.hooks.PluginDeleted != nil {
		s.hooks.PluginDeleted(module)
	}
	return nil
}

func (s *hookedStore) PutLimit(rec snapshot.LimitRule) error {
	if err := s.Store.PutLimit(rec); err != nil {
		return err
	}
	if s.hooks.LimitUpserted != nil {
		s.hooks.LimitUpserted(rec)
	}
	return nil
}

func (s *hookedStore) DeleteLimit(id int64) error {
	if err := s.Store.DeleteLimit(id); err != nil {
		return err
	}
	if s.hooks.LimitDeleted != nil {
		s.hooks.LimitDeleted(id)
	}
	return nil
}

func (s *hookedStore) PutLevel(rec snapshot.AdminLevel) error {
	if err := s.Store.PutLevel(rec); err != nil {
		return err
	}
	if s.hooks.LevelUpserted != nil {
		s.hooks.LevelUpserted(rec)
	}
	return nil
}

func (s *hookedStore) DeleteLevel(key snapshot.LevelKey) error {
	if err := s.Store.DeleteLevel(key); err != nil {
		return err
	}
	if s.hooks.LevelDeleted != nil {
		s.hooks.LevelDeleted(key)
	}
	return nil
}

func (s *hookedStore) PutUsers(recs []snapshot.User) error {
	if err := s.Store.PutUsers(recs); err != nil {
		return err
	}
	if s.hooks.UsersInserted != nil {
		s.hooks.UsersInserted(recs)
	}
	return nil
}
