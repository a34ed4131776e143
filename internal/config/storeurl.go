package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// StoreKind names a storage backend.
type StoreKind string

const (
	StoreMem    StoreKind = "mem"
	StorePebble StoreKind = "pebble"
	StoreRedis  StoreKind = "redis"
)

// StoreSpec is a parsed store URL. Only the fields for its Kind are set.
type StoreSpec struct {
	Kind StoreKind

	// Dir is the pebble database directory.
	Dir string

	// Redis endpoint.
	Addr     string
	Password string
	DB       int
}

// ParseStoreURL parses a store selection URL:
//
//	mem://                          in-memory, data lost on exit
//	pebble:///var/lib/storq        embedded pebble at that directory
//	pebble://data                  relative directory also works
//	redis://:secret@localhost:6379/2
func ParseStoreURL(raw string) (StoreSpec, error) {
	if raw == "" {
		return StoreSpec{}, fmt.Errorf("store url required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return StoreSpec{}, fmt.Errorf("parse store url %q: %w", raw, err)
	}
	switch u.Scheme {
	case "mem":
		return StoreSpec{Kind: StoreMem}, nil

	case "pebble":
		dir := u.Host + u.Path
		if u.Opaque != "" {
			dir = u.Opaque
		}
		if dir == "" {
			return StoreSpec{}, fmt.Errorf("pebble store url %q has no directory", raw)
		}
		return StoreSpec{Kind: StorePebble, Dir: dir}, nil

	case "redis":
		if u.Host == "" {
			return StoreSpec{}, fmt.Errorf("redis store url %q has no host", raw)
		}
		spec := StoreSpec{Kind: StoreRedis, Addr: u.Host}
		if !strings.Contains(spec.Addr, ":") {
			spec.Addr += ":6379"
		}
		if u.User != nil {
			if pw, ok := u.User.Password(); ok {
				spec.Password = pw
			} else {
				// redis://secret@host is a common password-only shorthand.
				spec.Password = u.User.Username()
			}
		}
		if p := strings.TrimPrefix(u.Path, "/"); p != "" {
			db, err := strconv.Atoi(p)
			if err != nil || db < 0 {
				return StoreSpec{}, fmt.Errorf("redis store url %q has invalid db %q", raw, p)
			}
			spec.DB = db
		}
		return spec, nil

	default:
		return StoreSpec{}, fmt.Errorf("unsupported store scheme %q (want mem, pebble, or redis)", u.Scheme)
	}
}
