package auth

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
)

// MemoryStore 是 Store 的内存实现，账号来自配置中的 seeds。
type MemoryStore struct {
	mu     sync.RWMutex
	users  map[string]*User
	byID   map[int64]*Subject
	nextID int64
}

// NewMemoryStore 使用 seeds 初始化存储。
func NewMemoryStore(seeds []Seed) (*MemoryStore, error) {
	store := &MemoryStore{
		users:  make(map[string]*User),
		byID:   make(map[int64]*Subject),
		nextID: 1,
	}
	for _, seed := range seeds {
		if strings.TrimSpace(seed.Username) == "" {
			continue
		}
		if err := store.ApplySeed(context.Background(), seed); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// ApplySeed 实现 SeedWriter，同名账号会被覆盖。
func (s *MemoryStore) ApplySeed(_ context.Context, seed Seed) error {
	username := strings.TrimSpace(seed.Username)
	if username == "" {
		return errors.New("seed username cannot be empty")
	}
	hashed, err := HashPassword(seed.Password)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[username]
	if !ok {
		user = &User{ID: s.nextID}
		s.nextID++
	}
	user.Username = username
	user.PasswordHash = hashed
	user.Disabled = seed.Disabled
	s.users[username] = user

	subject := &Subject{
		ID:          user.ID,
		Username:    username,
		Roles:       dedupe(seed.Roles),
		Permissions: dedupe(seed.Permissions),
		Disabled:    seed.Disabled,
	}
	subject.normalise()
	s.byID[user.ID] = subject
	return nil
}

// FindUserByUsername 查询账号。
func (s *MemoryStore) FindUserByUsername(_ context.Context, username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if user, ok := s.users[strings.TrimSpace(username)]; ok {
		clone := *user
		return &clone, nil
	}
	return nil, errors.New("user not found")
}

// LoadSubject 返回账号对应的主体。
func (s *MemoryStore) LoadSubject(_ context.Context, userID int64) (*Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if subject, ok := s.byID[userID]; ok {
		return subject.Clone(), nil
	}
	return nil, errors.New("subject not found")
}

func dedupe(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = normalisePermission(v); v != "" {
			out = append(out, v)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
