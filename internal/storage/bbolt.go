package storage

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"github.com/nekobot/gatekeeper/internal/snapshot"
)

const (
	bucketBans    = "bans"
	bucketBots    = "bots"
	bucketGroups  = "groups"
	bucketPlugins = "plugins"
	bucketLimits  = "limits"
	bucketLevels  = "levels"
	bucketUsers   = "users"
)

// keySep joins composite key parts. Ids are platform strings and never
// contain NUL.
const keySep = "\x00"

type bboltStore struct {
	db *bolt.DB
}

// NewBboltStore opens (or creates) a bbolt database at dataDir/gatekeeper.db.
func NewBboltStore(dataDir string) (Store, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "gatekeeper.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt at %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{
			bucketBans, bucketBots, bucketGroups, bucketPlugins,
			bucketLimits, bucketLevels, bucketUsers,
		} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &bboltStore{db: db}, nil
}

func banKey(userID, groupID string) []byte {
	return []byte(userID + keySep + groupID)
}

func groupKey(key snapshot.GroupKey) []byte {
	return []byte(key.GroupID + keySep + key.ChannelID)
}

func levelKey(key snapshot.LevelKey) []byte {
	return []byte(key.UserID + keySep + key.GroupID)
}

func limitKey(id int64) []byte {
	return []byte(strconv.FormatInt(id, 10))
}

func (s *bboltStore) put(bucket string, key []byte, v any) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s entry: %w", bucket, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put(key, data)
	})
}

func (s *bboltStore) delete(bucket string, key []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Delete(key)
	})
}

// listInto decodes every value in bucket via fn.
func (s *bboltStore) list(bucket string, fn func(v []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).ForEach(func(_, v []byte) error {
			return fn(v)
		})
	})
}

// ---- Bans -------------------------------------------------------------

func (s *bboltStore) ListBans() ([]snapshot.BanRecord, error) {
	var out []snapshot.BanRecord
	err := s.list(bucketBans, func(v []byte) error {
		var rec snapshot.BanRecord
		if err := msgpack.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("unmarshal ban: %w", err)
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

func (s *bboltStore) PutBan(rec snapshot.BanRecord) error {
	return s.put(bucketBans, banKey(rec.UserID, rec.GroupID), rec)
}

func (s *bboltStore) DeleteBan(userID, groupID string) error {
	return s.delete(bucketBans, banKey(userID, groupID))
}

func (s *bboltStore) PruneExpiredBans(now time.Time) (int, error) {
	var pruned int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketBans))
		var toDelete [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var rec snapshot.BanRecord
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				return nil // skip corrupt entries
			}
			if rec.Expired(now) {
				toDelete = append(toDelete, bytes.Clone(k))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}

// ---- Bots -------------------------------------------------------------

func (s *bboltStore) ListBots() ([]snapshot.Bot, error) {
	var out []snapshot.Bot
	err := s.list(bucketBots, func(v []byte) error {
		var rec snapshot.Bot
		if err := msgpack.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("unmarshal bot: %w", err)
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

func (s *bboltStore) GetBot(botID string) (*snapshot.Bot, error) {
	var rec snapshot.Bot
	found, err := s.getOne(bucketBots, []byte(botID), &rec)
	if err != nil || !found {
		return nil, err
	}
	return &rec, nil
}

func (s *bboltStore) PutBot(rec snapshot.Bot) error {
	return s.put(bucketBots, []byte(rec.BotID), rec)
}

func (s *bboltStore) DeleteBot(botID string) error {
	return s.delete(bucketBots, []byte(botID))
}

// ---- Groups -----------------------------------------------------------

func (s *bboltStore) ListGroups() ([]snapshot.Group, error) {
	var out []snapshot.Group
	err := s.list(bucketGroups, func(v []byte) error {
		var rec snapshot.Group
		if err := msgpack.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("unmarshal group: %w", err)
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

func (s *bboltStore) GetGroup(key snapshot.GroupKey) (*snapshot.Group, error) {
	var rec snapshot.Group
	found, err := s.getOne(bucketGroups, groupKey(key), &rec)
	if err != nil || !found {
		return nil, err
	}
	return &rec, nil
}

func (s *bboltStore) PutGroup(rec snapshot.Group) error {
	return s.put(bucketGroups, groupKey(rec.Key()), rec)
}

func (s *bboltStore) DeleteGroup(key snapshot.GroupKey) error {
	return s.delete(bucketGroups, groupKey(key))
}

// ---- Plugins ----------------------------------------------------------

func (s *bboltStore) ListPlugins() ([]snapshot.Plugin, error) {
	var out []snapshot.Plugin
	err := s.list(bucketPlugins, func(v []byte) error {
		var rec snapshot.Plugin
		if err := msgpack.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("unmarshal plugin: %w", err)
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

func (s *bboltStore) GetPlugin(module string) (*snapshot.Plugin, error) {
	var rec snapshot.Plugin
	found, err := s.getOne(bucketPlugins, []byte(module), &rec)
	if err != nil || !found {
		return nil, err
	}
	return &rec, nil
}

func (s *bboltStore) PutPlugin(rec snapshot.Plugin) error {
	return s.put(bucketPlugins, []byte(rec.Module), rec)
}

func (s *bboltStore) DeletePlugin(module string) error {
	return s.delete(bucketPlugins, []byte(module))
}

// ---- Limit rules ------------------------------------------------------

func (s *bboltStore) ListLimits() ([]snapshot.LimitRule, error) {
	var out []snapshot.LimitRule
	err := s.list(bucketLimits, func(v []byte) error {
		var rec snapshot.LimitRule
		if err := msgpack.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("unmarshal limit rule: %w", err)
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

func (s *bboltStore) PutLimit(rec snapshot.LimitRule) error {
	return s.put(bucketLimits, limitKey(rec.ID), rec)
}

func (s *bboltStore) DeleteLimit(id int64) error {
	return s.delete(bucketLimits, limitKey(id))
}

// ---- Admin levels -----------------------------------------------------

func (s *bboltStore) ListLevels() ([]snapshot.AdminLevel, error) {
	var out []snapshot.AdminLevel
	err := s.list(bucketLevels, func(v []byte) error {
		var rec snapshot.AdminLevel
		if err := msgpack.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("unmarshal admin level: %w", err)
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

func (s *bboltStore) GetLevel(key snapshot.LevelKey) (*snapshot.AdminLevel, error) {
	var rec snapshot.AdminLevel
	found, err := s.getOne(bucketLevels, levelKey(key), &rec)
	if err != nil || !found {
		return nil, err
	}
	return &rec, nil
}

func (s *bboltStore) PutLevel(rec snapshot.AdminLevel) error {
	return s.put(bucketLevels, levelKey(rec.Key()), rec)
}

func (s *bboltStore) DeleteLevel(key snapshot.LevelKey) error {
	return s.delete(bucketLevels, levelKey(key))
}

// ---- Users ------------------------------------------------------------

func (s *bboltStore) ListUsers() ([]snapshot.User, error) {
	var out []snapshot.User
	err := s.list(bucketUsers, func(v []byte) error {
		var rec snapshot.User
		if err := msgpack.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("unmarshal user: %w", err)
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

func (s *bboltStore) GetUser(userID string) (*snapshot.User, error) {
	var rec snapshot.User
	found, err := s.getOne(bucketUsers, []byte(userID), &rec)
	if err != nil || !found {
		return nil, err
	}
	return &rec, nil
}

func (s *bboltStore) PutUsers(recs []snapshot.User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketUsers))
		for _, rec := range recs {
			data, err := msgpack.Marshal(rec)
			if err != nil {
				return fmt.Errorf("marshal user %s: %w", rec.UserID, err)
			}
			if err := b.Put([]byte(rec.UserID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *bboltStore) MaxUserUID() (int64, error) {
	var max int64
	err := s.list(bucketUsers, func(v []byte) error {
		var rec snapshot.User
		if err := msgpack.Unmarshal(v, &rec); err != nil {
			return nil
		}
		if rec.UID > max {
			max = rec.UID
		}
		return nil
	})
	return max, err
}

func (s *bboltStore) SetGold(userID string, gold int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketUsers))
		raw := b.Get([]byte(userID))
		if raw == nil {
			return fmt.Errorf("set gold: user %s not found", userID)
		}
		var rec snapshot.User
		if err := msgpack.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("unmarshal user %s: %w", userID, err)
		}
		rec.Gold = gold
		data, err := msgpack.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(userID), data)
	})
}

// ---- Utility ----------------------------------------------------------

func (s *bboltStore) getOne(bucket string, key []byte, out any) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucket)).Get(key)
		if v == nil {
			return nil
		}
		found = true
		return msgpack.Unmarshal(v, out)
	})
	return found, err
}

func (s *bboltStore) SizeBytes() (int64, error) {
	info, err := os.Stat(s.db.Path())
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *bboltStore) Close() error {
	return s.db.Close()
}
