package downstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
)

// TokenStore хранит bearer-токены сервисов. Если токена нет, Load возвращает (nil, nil).
type TokenStore interface {
	Load(ctx context.Context, key string) (*oauth2.Token, error)
	Save(ctx context.Context, key string, token *oauth2.Token) error
	Delete(ctx context.Context, key string) error
}

// MemoryTokenStore держит токены в памяти процесса.
type MemoryTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]oauth2.Token
}

// NewMemoryTokenStore создаёт пустой in-memory кэш.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]oauth2.Token)}
}

func (s *MemoryTokenStore) Load(_ context.Context, key string) (*oauth2.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	token, ok := s.tokens[key]
	if !ok {
		return nil, nil
	}
	return &token, nil
}

func (s *MemoryTokenStore) Save(_ context.Context, key string, token *oauth2.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[key] = *token
	return nil
}

func (s *MemoryTokenStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, key)
	return nil
}

// RedisTokenStore делит токены между репликами сервиса.
// TTL ключа совпадает со сроком жизни токена.
type RedisTokenStore struct {
	client    redis.UniversalClient
	namespace string
}

// NewRedisTokenStore создаёт кэш поверх готового клиента.
func NewRedisTokenStore(client redis.UniversalClient, namespace string) *RedisTokenStore {
	if namespace == "" {
		namespace = "ordering"
	}
	return &RedisTokenStore{client: client, namespace: namespace}
}

func (s *RedisTokenStore) key(key string) string {
	return fmt.Sprintf("%s:token:%s", s.namespace, key)
}

func (s *RedisTokenStore) Load(ctx context.Context, key string) (*oauth2.Token, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load token from redis: %w", err)
	}

	var token oauth2.Token
	if err := json.Unmarshal(raw, &token); err != nil {
		return nil, fmt.Errorf("decode cached token: %w", err)
	}
	return &token, nil
}

func (s *RedisTokenStore) Save(ctx context.Context, key string, token *oauth2.Token) error {
	raw, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}

	var ttl time.Duration
	if !token.Expiry.IsZero() {
		ttl = time.Until(token.Expiry)
		if ttl <= 0 {
			return nil
		}
	}
	if err := s.client.Set(ctx, s.key(key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("save token to redis: %w", err)
	}
	return nil
}

func (s *RedisTokenStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("delete token from redis: %w", err)
	}
	return nil
}

var (
	_ TokenStore = (*MemoryTokenStore)(nil)
	_ TokenStore = (*RedisTokenStore)(nil)
)
