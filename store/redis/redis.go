package redis

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/streamcast/livecast/store"
)

// Config represents the Redis store config structure.
type Config struct {
	Address     string        `koanf:"address"`
	Password    string        `koanf:"password"`
	DB          int           `koanf:"db"`
	ActiveConns int           `koanf:"active_conns"`
	IdleConns   int           `koanf:"idle_conns"`
	Timeout     time.Duration `koanf:"timeout"`

	PrefixChat     string `koanf:"prefix_chat"`
	PrefixActivity string `koanf:"prefix_activity"`
	PrefixClip     string `koanf:"prefix_clip"`
	PrefixMarker   string `koanf:"prefix_marker"`
	KeyID          string `koanf:"key_id"`
}

// Redis represents the Redis implementation of the Store interface.
// Messages and activities live in per-room sorted sets scored by epoch
// milliseconds, which gives cheap recency queries and range counts.
type Redis struct {
	cfg  *Config
	pool *redis.Pool
}

// New returns a new Redis store.
func New(cfg Config) (*Redis, error) {
	if cfg.PrefixChat == "" {
		cfg.PrefixChat = "livecast:chat:%s"
	}
	if cfg.PrefixActivity == "" {
		cfg.PrefixActivity = "livecast:activity:%s"
	}
	if cfg.PrefixClip == "" {
		cfg.PrefixClip = "livecast:clips"
	}
	if cfg.PrefixMarker == "" {
		cfg.PrefixMarker = "livecast:markers"
	}
	if cfg.KeyID == "" {
		cfg.KeyID = "livecast:next_id"
	}

	pool := &redis.Pool{
		Wait:      true,
		MaxActive: cfg.ActiveConns,
		MaxIdle:   cfg.IdleConns,
		Dial: func() (redis.Conn, error) {
			return redis.Dial(
				"tcp",
				cfg.Address,
				redis.DialPassword(cfg.Password),
				redis.DialConnectTimeout(cfg.Timeout),
				redis.DialReadTimeout(cfg.Timeout),
				redis.DialWriteTimeout(cfg.Timeout),
				redis.DialDatabase(cfg.DB),
			)
		},
	}

	// Test connection.
	c := pool.Get()
	defer c.Close()

	if err := c.Err(); err != nil {
		return nil, err
	}
	return &Redis{cfg: &cfg, pool: pool}, nil
}

// nextID reserves a new record ID from the shared counter.
func (r *Redis) nextID(c redis.Conn) (int64, error) {
	return redis.Int64(c.Do("INCR", r.cfg.KeyID))
}

// AddMessage appends a chat message and returns its ID.
func (r *Redis) AddMessage(m store.Message) (int64, error) {
	c := r.pool.Get()
	defer c.Close()

	id, err := r.nextID(c)
	if err != nil {
		return 0, err
	}
	m.ID = id
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}

	b, err := json.Marshal(m)
	if err != nil {
		return 0, err
	}

	key := fmt.Sprintf(r.cfg.PrefixChat, m.Room)
	if _, err := c.Do("ZADD", key, m.CreatedAt.UnixMilli(), b); err != nil {
		return 0, err
	}
	return id, nil
}

// DeleteMessage removes a message by ID from a room's set.
func (r *Redis) DeleteMessage(id int64, room string) error {
	c := r.pool.Get()
	defer c.Close()

	key := fmt.Sprintf(r.cfg.PrefixChat, room)
	raw, err := redis.ByteSlices(c.Do("ZRANGE", key, 0, -1))
	if err != nil {
		return err
	}
	for _, b := range raw {
		var m store.Message
		if err := json.Unmarshal(b, &m); err != nil {
			continue
		}
		if m.ID == id {
			_, err := c.Do("ZREM", key, b)
			return err
		}
	}
	return store.ErrNotFound
}

// RecentMessages returns the latest n messages of a room, oldest first.
func (r *Redis) RecentMessages(room string, n int) ([]store.Message, error) {
	c := r.pool.Get()
	defer c.Close()

	key := fmt.Sprintf(r.cfg.PrefixChat, room)
	raw, err := redis.ByteSlices(c.Do("ZREVRANGE", key, 0, n-1))
	if err != nil {
		return nil, err
	}

	// ZREVRANGE is newest-first; flip to oldest-first.
	out := make([]store.Message, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var m store.Message
		if err := json.Unmarshal(raw[i], &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// AddActivity appends an activity record and returns its ID.
func (r *Redis) AddActivity(a store.Activity) (int64, error) {
	c := r.pool.Get()
	defer c.Close()

	id, err := r.nextID(c)
	if err != nil {
		return 0, err
	}
	a.ID = id
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}

	b, err := json.Marshal(a)
	if err != nil {
		return 0, err
	}

	key := fmt.Sprintf(r.cfg.PrefixActivity, a.Room)
	if _, err := c.Do("ZADD", key, a.CreatedAt.UnixMilli(), b); err != nil {
		return 0, err
	}
	return id, nil
}

// RecentActivities returns the latest n activities of a room, oldest first.
func (r *Redis) RecentActivities(room string, n int) ([]store.Activity, error) {
	c := r.pool.Get()
	defer c.Close()

	key := fmt.Sprintf(r.cfg.PrefixActivity, room)
	raw, err := redis.ByteSlices(c.Do("ZREVRANGE", key, 0, n-1))
	if err != nil {
		return nil, err
	}

	out := make([]store.Activity, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var a store.Activity
		if err := json.Unmarshal(raw[i], &a); err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// CountMessagesSince counts a room's messages newer than since.
func (r *Redis) CountMessagesSince(room string, since time.Time) (int, error) {
	c := r.pool.Get()
	defer c.Close()

	key := fmt.Sprintf(r.cfg.PrefixChat, room)
	return redis.Int(c.Do("ZCOUNT", key, fmt.Sprintf("(%d", since.UnixMilli()), "+inf"))
}

// CountActivitiesSince counts a room's activities of one kind newer than since.
func (r *Redis) CountActivitiesSince(room, kind string, since time.Time) (int, error) {
	c := r.pool.Get()
	defer c.Close()

	key := fmt.Sprintf(r.cfg.PrefixActivity, room)
	raw, err := redis.ByteSlices(c.Do("ZRANGEBYSCORE", key,
		fmt.Sprintf("(%d", since.UnixMilli()), "+inf"))
	if err != nil {
		return 0, err
	}

	var count int
	for _, b := range raw {
		var a store.Activity
		if err := json.Unmarshal(b, &a); err != nil {
			continue
		}
		if a.Kind == kind {
			count++
		}
	}
	return count, nil
}

// AddClip logs a clip marker timestamp.
func (r *Redis) AddClip(cl store.Clip) (int64, error) {
	c := r.pool.Get()
	defer c.Close()

	id, err := r.nextID(c)
	if err != nil {
		return 0, err
	}
	cl.ID = id
	if cl.CreatedAt.IsZero() {
		cl.CreatedAt = time.Now()
	}

	b, err := json.Marshal(cl)
	if err != nil {
		return 0, err
	}
	if _, err := c.Do("RPUSH", r.cfg.PrefixClip, b); err != nil {
		return 0, err
	}
	return id, nil
}

// AddMarker logs a stream marker timestamp.
func (r *Redis) AddMarker(mk store.Marker) (int64, error) {
	c := r.pool.Get()
	defer c.Close()

	id, err := r.nextID(c)
	if err != nil {
		return 0, err
	}
	mk.ID = id
	if mk.CreatedAt.IsZero() {
		mk.CreatedAt = time.Now()
	}

	b, err := json.Marshal(mk)
	if err != nil {
		return 0, err
	}
	if _, err := c.Do("RPUSH", r.cfg.PrefixMarker, b); err != nil {
		return 0, err
	}
	return id, nil
}

// Close releases the connection pool.
func (r *Redis) Close() error {
	return r.pool.Close()
}
