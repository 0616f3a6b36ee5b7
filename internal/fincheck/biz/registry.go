package biz

import (
	"time"

	"github.com/kart-io/logger"
	"github.com/oklog/ulid/v2"
	gocache "github.com/patrickmn/go-cache"

	"github.com/kart-io/fincheck/pkg/utils/errors"
)

// SessionFactory 按 ID 创建会话。
type SessionFactory func(id string) (*Session, error)

// Registry 带过期时间的会话注册表，每次访问都会续期，过期或删除的会话会被关闭。
type Registry struct {
	sessions *gocache.Cache
	factory  SessionFactory
	ttl      time.Duration
}

// NewRegistry 创建会话注册表。
func NewRegistry(ttl time.Duration, factory SessionFactory) (*Registry, error) {
	if ttl <= 0 {
		return nil, errors.ErrInvalidConfiguration.WithMessage("session ttl must be positive")
	}
	if factory == nil {
		return nil, errors.ErrInvalidConfiguration.WithMessage("registry requires a session factory")
	}

	cleanup := ttl / 2
	if cleanup < time.Second {
		cleanup = time.Second
	}
	c := gocache.New(ttl, cleanup)
	c.OnEvicted(func(id string, v interface{}) {
		if s, ok := v.(*Session); ok {
			s.Close()
			logger.Infow("session evicted", "session_id", id)
		}
	})

	return &Registry{sessions: c, factory: factory, ttl: ttl}, nil
}

// Create 创建并登记新会话。
func (r *Registry) Create() (*Session, error) {
	id := ulid.Make().String()
	s, err := r.factory(id)
	if err != nil {
		return nil, err
	}
	r.sessions.Set(id, s, gocache.DefaultExpiration)
	logger.Infow("session created", "session_id", id, "ttl", r.ttl.String())
	return s, nil
}

// Get 获取会话并续期，不存在时返回 ErrSessionNotFound。
func (r *Registry) Get(id string) (*Session, error) {
	v, ok := r.sessions.Get(id)
	if !ok {
		return nil, errors.ErrSessionNotFound
	}
	s := v.(*Session)
	// 并发 Delete 后不能把会话写回
	if err := r.sessions.Replace(id, s, gocache.DefaultExpiration); err != nil {
		return nil, errors.ErrSessionNotFound
	}
	return s, nil
}

// Delete 删除并关闭会话。
func (r *Registry) Delete(id string) error {
	if _, ok := r.sessions.Get(id); !ok {
		return errors.ErrSessionNotFound
	}
	r.sessions.Delete(id)
	return nil
}

// Count 返回当前会话数（可能包含尚未清理的过期会话）。
func (r *Registry) Count() int {
	return r.sessions.ItemCount()
}

// Close 关闭所有会话，包括已过期但尚未清理的会话。
func (r *Registry) Close() {
	r.sessions.DeleteExpired()
	for id := range r.sessions.Items() {
		r.sessions.Delete(id)
	}
}
