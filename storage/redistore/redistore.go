// Package redistore implements storage.Adapter on a Redis server.
//
// Every record is stored as a single string value whose first 36 bytes are
// the version tag (a UUID) and whose remainder is the raw value. Keeping
// the tag inside the value lets the conditional-write path run as one small
// Lua script using only GET/SET, so compare-and-swap is atomic on the
// server even with many client processes. TTLs map directly onto Redis key
// expiry, and prefix listing walks SCAN.
//
// Leases are plain NX keys under a reserved "!lease/" keyspace holding the
// lease token, released by a compare-and-delete script.
package redistore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/storqdev/storq/storage"
)

// versionLen is the length of a record's version prefix. Versions are
// uuid.NewString values, which are always 36 bytes.
const versionLen = 36

const leasePrefix = "!lease/"

// setScript performs the conditional write. KEYS[1] is the record key.
// ARGV: 1=encoded record, 2=ifAbsent flag ("1"/"0"), 3=ifVersion (empty
// disables), 4=ttl in ms (0 = no expiry). Returns 1 on success, 0 when the
// condition failed.
var setScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if ARGV[2] == '1' and cur then return 0 end
if ARGV[3] ~= '' then
  if not cur then return 0 end
  if string.sub(cur, 1, 36) ~= ARGV[3] then return 0 end
end
if tonumber(ARGV[4]) > 0 then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[4])
else
  redis.call('SET', KEYS[1], ARGV[1])
end
return 1
`)

// releaseScript deletes a lease key only when it still holds the caller's
// token. Returns 1 on delete, 0 on token mismatch, -1 when already gone.
var releaseScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then return -1 end
if cur ~= ARGV[1] then return 0 end
redis.call('DEL', KEYS[1])
return 1
`)

// Options configures the Redis adapter.
type Options struct {
	// Addr is the host:port of the Redis server.
	Addr string
	// Password authenticates the connection when set.
	Password string
	// DB selects the Redis logical database.
	DB int
	// Prefix is prepended to every key, so several deployments can share a
	// server. Listing results have it stripped again.
	Prefix string
	// Client overrides Addr/Password/DB with a pre-built client. The store
	// takes ownership and closes it.
	Client *redis.Client
}

// Store implements storage.Adapter against Redis.
type Store struct {
	rdb    *redis.Client
	prefix string
}

var _ storage.Adapter = (*Store)(nil)

// Open connects to Redis and verifies the connection with a ping.
func Open(ctx context.Context, opts Options) (*Store, error) {
	rdb := opts.Client
	if rdb == nil {
		if opts.Addr == "" {
			return nil, fmt.Errorf("redis addr required")
		}
		rdb = redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		})
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Store{rdb: rdb, prefix: opts.Prefix}, nil
}

func (s *Store) key(k string) string { return s.prefix + k }

func (s *Store) leaseKey(n string) string { return s.prefix + leasePrefix + n }

func encode(version string, value []byte) []byte {
	out := make([]byte, 0, versionLen+len(value))
	out = append(out, version...)
	return append(out, value...)
}

func decode(raw []byte) (storage.Record, error) {
	if len(raw) < versionLen {
		return storage.Record{}, fmt.Errorf("record shorter than version prefix: %d bytes", len(raw))
	}
	rec := storage.Record{Version: string(raw[:versionLen])}
	if len(raw) > versionLen {
		rec.Value = append([]byte(nil), raw[versionLen:]...)
	}
	return rec, nil
}

func (s *Store) Get(ctx context.Context, key string) (storage.Record, error) {
	raw, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return storage.Record{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Record{}, fmt.Errorf("get %s: %w", key, err)
	}
	rec, err := decode(raw)
	if err != nil {
		return storage.Record{}, fmt.Errorf("get %s: %w", key, err)
	}
	return rec, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, opts storage.SetOptions) (string, error) {
	version := uuid.NewString()
	ifAbsent := "0"
	if opts.IfAbsent {
		ifAbsent = "1"
	}
	res, err := setScript.Run(ctx, s.rdb,
		[]string{s.key(key)},
		encode(version, value), ifAbsent, opts.IfVersion, opts.TTL.Milliseconds(),
	).Int()
	if err != nil {
		return "", fmt.Errorf("set %s: %w", key, err)
	}
	if res != 1 {
		return "", storage.ErrVersionMismatch
	}
	return version, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]storage.KV, error) {
	var keys []string
	var cursor uint64
	match := s.key(prefix) + "*"
	for {
		batch, next, err := s.rdb.Scan(ctx, cursor, match, 256).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", prefix, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}

	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget: %w", err)
	}
	out := make([]storage.KV, 0, len(keys))
	for i, v := range vals {
		if v == nil {
			continue // expired between SCAN and MGET
		}
		str, ok := v.(string)
		if !ok {
			continue
		}
		rec, err := decode([]byte(str))
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", keys[i], err)
		}
		out = append(out, storage.KV{Key: keys[i][len(s.prefix):], Record: rec})
	}
	return out, nil
}

func (s *Store) AcquireLease(ctx context.Context, name string, opts storage.LeaseOptions) (*storage.Lease, error) {
	if opts.TTL <= 0 {
		opts.TTL = time.Second
	}
	token := uuid.NewString()
	deadline := time.Now().Add(opts.Wait)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ok, err := s.rdb.SetNX(ctx, s.leaseKey(name), token, opts.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lease %s: %w", name, err)
		}
		if ok {
			return &storage.Lease{
				Name:        name,
				Token:       token,
				ExpiresAtMs: time.Now().Add(opts.TTL).UnixMilli(),
			}, nil
		}
		if !time.Now().Before(deadline) {
			return nil, storage.ErrLeaseHeld
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (s *Store) ReleaseLease(ctx context.Context, lease *storage.Lease) error {
	if lease == nil {
		return nil
	}
	res, err := releaseScript.Run(ctx, s.rdb, []string{s.leaseKey(lease.Name)}, lease.Token).Int()
	if err != nil {
		return fmt.Errorf("release lease %s: %w", lease.Name, err)
	}
	if res == 0 {
		return storage.ErrNotLeaseOwner
	}
	return nil
}

func (s *Store) Close() error {
	return s.rdb.Close()
}
