package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sillypop200/kiwifruit/internal/util"
)

// SessionResolver looks up session tokens written by the account service
// as "<prefix><token>" -> ownerID keys in Redis.
type SessionResolver struct {
	client *redis.Client
	prefix string
}

// NewSessionResolver builds a Redis-backed session resolver.
func NewSessionResolver(addr, password, prefix string) (*SessionResolver, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("session redis addr is required")
	}
	return &SessionResolver{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		prefix: prefix,
	}, nil
}

// Resolve maps token to owner ID.
func (s *SessionResolver) Resolve(ctx context.Context, token string) (string, bool, error) {
	if strings.TrimSpace(token) == "" {
		return "", false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	val, err := s.client.Get(ctx, s.prefix+token).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	val = strings.TrimSpace(val)
	return val, val != "", nil
}

// NewSession writes a token -> ownerID mapping with ttl. The account service
// owns session issuance; this is for local runs and tests.
func (s *SessionResolver) NewSession(ctx context.Context, ownerID string, ttl time.Duration) (string, error) {
	token := util.NewID()
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := s.client.Set(ctx, s.prefix+token, ownerID, ttl).Err(); err != nil {
		return "", err
	}
	return token, nil
}

func (s *SessionResolver) Close() error {
	return s.client.Close()
}
