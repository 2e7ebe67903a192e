// Package testutil provides in-memory doubles for the storage collaborator.
package testutil

import (
	"sync"
	"time"

	"github.com/nekobot/gatekeeper/internal/snapshot"
	"github.com/nekobot/gatekeeper/internal/storage"
)

// MockStore implements storage.Store with in-memory maps for testing.
// All methods are safe for concurrent use. Call counters let tests assert
// how often the cache layer fell back to storage.
type MockStore struct {
	mu      sync.Mutex
	bans    map[string]snapshot.BanRecord
	bots    map[string]snapshot.Bot
	groups  map[snapshot.GroupKey]snapshot.Group
	plugins map[string]snapshot.Plugin
	limits  map[int64]snapshot.LimitRule
	levels  map[snapshot.LevelKey]snapshot.AdminLevel
	users   map[string]snapshot.User

	// Calls counts invocations per method name.
	Calls map[string]int

	// Error injection: method -> next error (consumed on first call)
	errors map[string]error
}

// NewMockStore returns a zero-state MockStore ready for use.
func NewMockStore() *MockStore {
	return &MockStore{
		bans:    make(map[string]snapshot.BanRecord),
		bots:    make(map[string]snapshot.Bot),
		groups:  make(map[snapshot.GroupKey]snapshot.Group),
		plugins: make(map[string]snapshot.Plugin),
		limits:  make(map[int64]snapshot.LimitRule),
		levels:  make(map[snapshot.LevelKey]snapshot.AdminLevel),
		users:   make(map[string]snapshot.User),
		Calls:   make(map[string]int),
		errors:  make(map[string]error),
	}
}

// SetError injects an error returned on the next call to the named method.
func (m *MockStore) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = err
}

// CallCount returns how many times the named method has been invoked.
func (m *MockStore) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls[method]
}

func (m *MockStore) enter(method string) error {
	m.Calls[method]++
	err := m.errors[method]
	delete(m.errors, method)
	return err
}

func banKey(userID, groupID string) string { return userID + "\x00" + groupID }

func (m *MockStore) ListBans() ([]snapshot.BanRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListBans"); err != nil {
		return nil, err
	}
	out := make([]snapshot.BanRecord, 0, len(m.bans))
	for _, rec := range m.bans {
		out = append(out, rec)
	}
	return out, nil
}

func (m *MockStore) PutBan(rec snapshot.BanRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("PutBan"); err != nil {
		return err
	}
	m.bans[banKey(rec.UserID, rec.GroupID)] = rec
	return nil
}

func (m *MockStore) DeleteBan(userID, groupID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("DeleteBan"); err != nil {
		return err
	}
	delete(m.bans, banKey(userID, groupID))
	return nil
}

func (m *MockStore) PruneExpiredBans(now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("PruneExpiredBans"); err != nil {
		return 0, err
	}
	var pruned int
	for key, rec := range m.bans {
		if rec.Expired(now) {
			delete(m.bans, key)
			pruned++
		}
	}
	return pruned, nil
}

func (m *MockStore) ListBots() ([]snapshot.Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListBots"); err != nil {
		return nil, err
	}
	out := make([]snapshot.Bot, 0, len(m.bots))
	for _, rec := range m.bots {
		out = append(out, rec)
	}
	return out, nil
}

func (m *MockStore) GetBot(botID string) (*snapshot.Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetBot"); err != nil {
		return nil, err
	}
	if rec, ok := m.bots[botID]; ok {
		return &rec, nil
	}
	return nil, nil
}

func (m *MockStore) PutBot(rec snapshot.Bot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("PutBot"); err != nil {
		return err
	}
	m.bots[rec.BotID] = rec
	return nil
}

func (m *MockStore) DeleteBot(botID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("DeleteBot"); err != nil {
		return err
	}
	delete(m.bots, botID)
	return nil
}

func (m *MockStore) ListGroups() ([]snapshot.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListGroups"); err != nil {
		return nil, err
	}
	out := make([]snapshot.Group, 0, len(m.groups))
	for _, rec := range m.groups {
		out = append(out, rec)
	}
	return out, nil
}

func (m *MockStore) GetGroup(key snapshot.GroupKey) (*snapshot.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetGroup"); err != nil {
		return nil, err
	}
	if rec, ok := m.groups[key]; ok {
		return &rec, nil
	}
	return nil, nil
}

func (m *MockStore) PutGroup(rec snapshot.Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("PutGroup"); err != nil {
		return err
	}
	m.groups[rec.Key()] = rec
	return nil
}

func (m *MockStore) DeleteGroup(key snapshot.GroupKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("DeleteGroup"); err != nil {
		return err
	}
	delete(m.groups, key)
	return nil
}

func (m *MockStore) ListPlugins() ([]snapshot.Plugin, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListPlugins"); err != nil {
		return nil, err
	}
	out := make([]snapshot.Plugin, 0, len(m.plugins))
	for _, rec := range m.plugins {
		out = append(out, rec)
	}
	return out, nil
}

func (m *MockStore) GetPlugin(module string) (*snapshot.Plugin, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetPlugin"); err != nil {
		return nil, err
	}
	if rec, ok := m.plugins[module]; ok {
		return &rec, nil
	}
	return nil, nil
}

func (m *MockStore) PutPlugin(rec snapshot.Plugin) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("PutPlugin"); err != nil {
		return err
	}
	m.plugins[rec.Module] = rec
	return nil
}

func (m *MockStore) DeletePlugin(module string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("DeletePlugin"); err != nil {
		return err
	}
	delete(m.plugins, module)
	return nil
}

func (m *MockStore) ListLimits() ([]snapshot.LimitRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListLimits"); err != nil {
		return nil, err
	}
	out := make([]snapshot.LimitRule, 0, len(m.limits))
	for _, rec := range m.limits {
		out = append(out, rec)
	}
	return out, nil
}

func (m *MockStore) PutLimit(rec snapshot.LimitRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("PutLimit"); err != nil {
		return err
	}
	m.limits[rec.ID] = rec
	return nil
}

func (m *MockStore) DeleteLimit(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("DeleteLimit"); err != nil {
		return err
	}
	delete(m.limits, id)
	return nil
}

func (m *MockStore) ListLevels() ([]snapshot.AdminLevel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListLevels"); err != nil {
		return nil, err
	}
	out := make([]snapshot.AdminLevel, 0, len(m.levels))
	for _, rec := range m.levels {
		out = append(out, rec)
	}
	return out, nil
}

func (m *MockStore) GetLevel(key snapshot.LevelKey) (*snapshot.AdminLevel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetLevel"); err != nil {
		return nil, err
	}
	if rec, ok := m.levels[key]; ok {
		return &rec, nil
	}
	return nil, nil
}

func (m *MockStore) PutLevel(rec snapshot.AdminLevel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("PutLevel"); err != nil {
		return err
	}
	m.levels[rec.Key()] = rec
	return nil
}

func (m *MockStore) DeleteLevel(key snapshot.LevelKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("DeleteLevel"); err != nil {
		return err
	}
	delete(m.levels, key)
	return nil
}

func (m *MockStore) ListUsers() ([]snapshot.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListUsers"); err != nil {
		return nil, err
	}
	out := make([]snapshot.User, 0, len(m.users))
	for _, rec := range m.users {
		out = append(out, rec)
	}
	return out, nil
}

func (m *MockStore) GetUser(userID string) (*snapshot.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetUser"); err != nil {
		return nil, err
	}
	if rec, ok := m.users[userID]; ok {
		return &rec, nil
	}
	return nil, nil
}

func (m *MockStore) PutUsers(recs []snapshot.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("PutUsers"); err != nil {
		return err
	}
	for _, rec := range recs {
		m.users[rec.UserID] = rec
	}
	return nil
}

func (m *MockStore) MaxUserUID() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("MaxUserUID"); err != nil {
		return 0, err
	}
	var max int64
	for _, rec := range m.users {
		if rec.UID > max {
			max = rec.UID
		}
	}
	return max, nil
}

func (m *MockStore) SetGold(userID string, gold int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("SetGold"); err != nil {
		return err
	}
	rec, ok := m.users[userID]
	if !ok {
		return nil
	}
	rec.Gold = gold
	m.users[userID] = rec
	return nil
}

func (m *MockStore) SizeBytes() (int64, error) { return 0, nil }

func (m *MockStore) Close() error { return nil }

var _ storage.Store = (*MockStore)(nil)
