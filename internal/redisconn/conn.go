// Package redisconn owns the durable store connections. The composition root
// opens one connection per role so that the worker's consumption loop never
// competes with producers for a connection.
package redisconn

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"jobqueue/internal/config"
)

// Role names what a connection is used for.
type Role string

const (
	RoleEnqueue Role = "enqueue"
	RoleWorker  Role = "worker"
)

// Conn is a handle to the store. A nil *Conn means the store is not configured.
type Conn struct {
	role   Role
	client *redis.Client
}

// Open parses url and builds a client. No network I/O happens until the
// first command; go-redis dials lazily.
func Open(role Role, url, password string) (*Conn, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse %s redis url: %w", role, err)
	}
	if password != "" {
		opts.Password = password
	}
	return &Conn{role: role, client: redis.NewClient(opts)}, nil
}

// FromClient wraps an existing client.
func FromClient(role Role, client *redis.Client) *Conn {
	return &Conn{role: role, client: client}
}

// Available reports whether c is backed by a client.
func (c *Conn) Available() bool {
	return c != nil && c.client != nil
}

// Client exposes the underlying client.
func (c *Conn) Client() *redis.Client {
	if c == nil {
		return nil
	}
	return c.client
}

// Role returns the connection's role.
func (c *Conn) Role() Role {
	if c == nil {
		return ""
	}
	return c.role
}

// Ping checks connectivity with a short deadline.
func (c *Conn) Ping(ctx context.Context) error {
	if !c.Available() {
		return fmt.Errorf("redis %s connection not configured", c.Role())
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.client.Ping(ctx).Err()
}

// Close releases the client.
func (c *Conn) Close() error {
	if !c.Available() {
		return nil
	}
	return c.client.Close()
}

// Set holds both role connections. Either field may be nil.
type Set struct {
	Enqueue *Conn
	Worker  *Conn
}

// OpenSet opens the enqueue and worker connections described by cfg. When
// the store is not configured it returns an empty Set and no error.
func OpenSet(cfg config.Config) (Set, error) {
	if !cfg.QueueEnabled() {
		return Set{}, nil
	}
	enq, err := Open(RoleEnqueue, cfg.RedisURL, cfg.RedisPassword)
	if err != nil {
		return Set{}, err
	}
	wrk, err := Open(RoleWorker, cfg.WorkerURL(), cfg.RedisPassword)
	if err != nil {
		_ = enq.Close()
		return Set{}, err
	}
	return Set{Enqueue: enq, Worker: wrk}, nil
}

// Close closes both connections.
func (s Set) Close() error {
	err1 := s.Enqueue.Close()
	err2 := s.Worker.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
