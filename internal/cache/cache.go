// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package cache provides the cross-replica state a stateless Orchestration
// Gateway needs but the per-replica State Store cannot give it cheaply:
// idempotency-key deduplication shared by every Gateway replica, and a
// live-worker-node registry used for request routing. Both are backed by
// Redis so any Gateway replica sees the same answer.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Cache is the shared cross-replica key/value store the Gateway uses for
// idempotency keys and worker-node liveness.
type Cache struct {
	client *redis.Client
}

func New(addr string) *Cache {
	return &Cache{client: redis.NewClient(&redis.Options{Addr: addr})}
}

// NewFromClient lets tests wire in a client pointed at miniredis.
func NewFromClient(client *redis.Client) *Cache {
	return &Cache{client: client}
}

func (c *Cache) Close() error { return c.client.Close() }

const idemPrefix = "idem:"

// PutIdempotent records resourceID against idemKey if idemKey is not
// already present, returning the winning resourceID and whether it was
// this call that won (won=false means an earlier request already claimed
// the key -- the supplemented idempotency-key feature of SPEC_FULL.md §3,
// extended here to work across stateless Gateway replicas).
func (c *Cache) PutIdempotent(ctx context.Context, idemKey, resourceID string, ttl time.Duration) (winningResourceID string, won bool, err error) {
	if idemKey == "" {
		return resourceID, true, nil
	}
	ok, err := c.client.SetNX(ctx, idemPrefix+idemKey, resourceID, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if ok {
		return resourceID, true, nil
	}
	existing, err := c.client.Get(ctx, idemPrefix+idemKey).Result()
	if err != nil {
		return "", false, err
	}
	return existing, false, nil
}

const workerPrefix = "worker:"

// RegisterWorker marks nodeID as live for ttl, recording its dispatch
// address so the Gateway can route start/stop calls to it; the worker
// runtime calls this on a heartbeat interval well below ttl.
func (c *Cache) RegisterWorker(ctx context.Context, nodeID, addr string, ttl time.Duration) error {
	return c.client.Set(ctx, workerPrefix+nodeID, addr, ttl).Err()
}

// LiveWorkers returns the currently registered node IDs mapped to their
// dispatch addresses.
func (c *Cache) LiveWorkers(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string)
	iter := c.client.Scan(ctx, 0, workerPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		addr, err := c.client.Get(ctx, key).Result()
		if err != nil {
			continue
		}
		out[key[len(workerPrefix):]] = addr
	}
	return out, iter.Err()
}
