// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package extractqueue

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/pkg/errors"
)

const (
	defaultRedisServer = ":6379"
)

// RedisPublisher publishes task events to a Redis channel, so that other
// processes can watch a queue. It does not store any queue state.
type RedisPublisher struct {
	pool *redis.Pool
	ns   string
}

// NewRedisPublisher creates a publisher connecting to the given server.
// Events are published to the channel "<namespace>:events".
func NewRedisPublisher(server, namespace, password string, db int) *RedisPublisher {
	if server == "" {
		server = defaultRedisServer
	}
	return NewRedisPublisherFromPool(namespace, newPool(server, password, db))
}

// NewRedisPublisherFromPool creates a publisher using an existing pool.
func NewRedisPublisherFromPool(namespace string, pool *redis.Pool) *RedisPublisher {
	return &RedisPublisher{
		ns:   namespace,
		pool: pool,
	}
}

// newPool creates the connection pool of a publisher. Publishing is
// short-lived, so only a few idle connections are kept around.
func newPool(server, password string, db int) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     3,
		IdleTimeout: time.Minute,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", server,
				redis.DialPassword(password),
				redis.DialDatabase(db),
				redis.DialConnectTimeout(5*time.Second),
			)
		},
		TestOnBorrow: func(c redis.Conn, lastUsed time.Time) error {
			if time.Since(lastUsed) < 10*time.Second {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

func (r *RedisPublisher) key(keys ...string) string {
	if r.ns == "" {
		return strings.Join(keys, ":")
	}
	return strings.Join([]string{r.ns, strings.Join(keys, ":")}, ":")
}

// Channel returns the name of the Redis channel events are published to.
func (r *RedisPublisher) Channel() string {
	return r.key("events")
}

// Ping checks the connection to Redis.
func (r *RedisPublisher) Ping() error {
	c := r.pool.Get()
	defer c.Close()
	_, err := c.Do("PING")
	return errors.Wrap(err, "redis ping")
}

// Publish publishes an event.
func (r *RedisPublisher) Publish(e *WatchEvent) error {
	c := r.pool.Get()
	defer c.Close()
	data, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	if _, err := c.Do("PUBLISH", r.Channel(), string(data)); err != nil {
		return errors.Wrap(err, "redis publish")
	}
	return nil
}

// Subscribe sends events published to the channel to recv until done is
// closed or the connection fails. recv is not closed. Subscribe blocks,
// so run it in a goroutine.
func (r *RedisPublisher) Subscribe(done <-chan struct{}, recv chan<- *WatchEvent) error {
	c := r.pool.Get()
	defer c.Close()
	psc := redis.PubSubConn{Conn: c}
	if err := psc.Subscribe(r.Channel()); err != nil {
		return errors.Wrap(err, "redis subscribe")
	}

	errc := make(chan error, 1)
	go func() {
		for {
			switch n := psc.Receive().(type) {
			case redis.Message:
				e := new(WatchEvent)
				if err := json.Unmarshal(n.Data, e); err != nil {
					continue
				}
				select {
				case recv <- e:
				case <-done:
				}
			case redis.Subscription:
				if n.Count == 0 {
					errc <- nil
					return
				}
			case error:
				errc <- n
				return
			}
		}
	}()

	select {
	case <-done:
		psc.Unsubscribe()
		<-errc
		return nil
	case err := <-errc:
		return errors.Wrap(err, "redis receive")
	}
}
