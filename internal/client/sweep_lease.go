package client

import (
	"context"
	"time"

	rd "github.com/go-redis/redis/v9"
	"github.com/google/uuid"

	"github.com/NCGHoldings/StoresONE-sub005/internal/service"
)

// RedisSweepLease elects one replica per escalation sweep with SET NX.
// The lease is never released early; it expires after its TTL so the next
// tick on any replica can take it.
type RedisSweepLease struct {
	client rd.UniversalClient
	key    string
	owner  string
}

// NewRedisClient builds a client for a single node or a cluster.
func NewRedisClient(addrs []string, password string, db int) rd.UniversalClient {
	return rd.NewUniversalClient(&rd.UniversalOptions{
		Addrs:    addrs,
		Password: password,
		DB:       db,
	})
}

func NewRedisSweepLease(client rd.UniversalClient, key string) *RedisSweepLease {
	if key == "" {
		key = "approvals:escalation-sweep"
	}
	return &RedisSweepLease{client: client, key: key, owner: uuid.NewString()}
}

// Acquire reports whether this replica holds the lease for ttl.
func (l *RedisSweepLease) Acquire(ctx context.Context, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

var _ service.SweepLease = (*RedisSweepLease)(nil)
