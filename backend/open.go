package backend

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Open selects a backend from a location string:
//
//	memory://            in-process, nothing persisted
//	redis://host:6379/0  Redis server
//	file:///var/cache    filesystem directory
//	bolt:///var/x.db     bbolt database file (also any bare path)
func Open(ctx context.Context, location string, logger *slog.Logger) (Backend, string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	scheme, rest, hasScheme := strings.Cut(location, "://")
	if !hasScheme {
		scheme, rest = "bolt", location
	}

	switch scheme {
	case "memory":
		return NewMemory(), "memory", nil
	case "redis", "rediss":
		r, err := NewRedis(ctx, location)
		if err != nil {
			return nil, "", err
		}
		return r, "redis", nil
	case "file":
		fs, err := NewFilesystem(rest)
		if err != nil {
			return nil, "", err
		}
		return fs, "filesystem", nil
	case "bolt":
		if rest == "" {
			return nil, "", fmt.Errorf("bolt store requires a path")
		}
		b, err := OpenBolt(rest, WithBoltLogger(logger))
		if err != nil {
			return nil, "", err
		}
		return b, "bolt", nil
	default:
		return nil, "", fmt.Errorf("unsupported store scheme %q", scheme)
	}
}
