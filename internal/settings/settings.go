// Package settings holds runtime-switchable dispatch settings.
package settings

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/speedyvan/dispatch/internal/apperr"
)

type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeManual Mode = "manual"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeAuto, ModeManual:
		return m, nil
	}
	return "", fmt.Errorf("dispatch mode %q: %w", s, apperr.ErrValidation)
}

// Store reads and writes the dispatch mode. In manual mode auto-assignment
// is refused unless the caller forces it.
type Store interface {
	Mode(ctx context.Context) (Mode, error)
	SetMode(ctx context.Context, m Mode) error
}

type MemoryStore struct {
	mu   sync.RWMutex
	mode Mode
}

func NewMemoryStore(initial Mode) *MemoryStore {
	if initial == "" {
		initial = ModeAuto
	}
	return &MemoryStore{mode: initial}
}

func (s *MemoryStore) Mode(context.Context) (Mode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode, nil
}

func (s *MemoryStore) SetMode(_ context.Context, m Mode) error {
	if _, err := ParseMode(string(m)); err != nil {
		return err
	}
	s.mu.Lock()
	s.mode = m
	s.mu.Unlock()
	return nil
}

// RedisStore shares the mode between API replicas. An unset key reads as
// the configured fallback.
type RedisStore struct {
	client   *redis.Client
	key      string
	fallback Mode
}

func NewRedisStore(client *redis.Client, key string, fallback Mode) *RedisStore {
	if fallback == "" {
		fallback = ModeAuto
	}
	return &RedisStore{client: client, key: key, fallback: fallback}
}

func (s *RedisStore) Mode(ctx context.Context) (Mode, error) {
	v, err := s.client.Get(ctx, s.key).Result()
	if err == redis.Nil {
		return s.fallback, nil
	}
	if err != nil {
		return "", fmt.Errorf("read dispatch mode: %w", err)
	}
	m, err := ParseMode(v)
	if err != nil {
		return s.fallback, nil
	}
	return m, nil
}

func (s *RedisStore) SetMode(ctx context.Context, m Mode) error {
	if _, err := ParseMode(string(m)); err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key, string(m), 0).Err(); err != nil {
		return fmt.Errorf("write dispatch mode: %w", err)
	}
	return nil
}
