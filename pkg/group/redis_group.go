package group

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisGroup implements Group over a shared Redis instance. Every
// collective is modeled as a polling rendezvous against a round-keyed
// Redis value, the same poll-with-timeout shape as the teacher's
// RedisClient.ReadJob (XReadGroup with a Block duration): instead of a
// stream consumer group, each collective writes one key and every
// participant polls GET until it appears or the context deadline expires.
//
// Keys live under a per-group namespace so multiple frames (i.e. repeated
// calls to the same collective) never collide: each collective kind keeps
// its own monotonic round counter, advanced once per call in program
// order, which is safe because every participant issues the exact same
// sequence of collective calls in the exact same order (spec §5: a
// deadlocking mismatch is out of scope, not a case this type needs to
// tolerate).
type RedisGroup struct {
	client  *redis.Client
	groupID string
	rank    int
	size    int
	ttl     time.Duration
	poll    time.Duration

	bcastSeq   atomic.Uint64
	gatherSeq  atomic.Uint64
	barrierSeq atomic.Uint64

	mu      sync.Mutex
	xferSeq map[xferKey]uint64
}

type xferKey struct {
	tag  int
	src  int
	dest int
}

// NewRedisGroup connects to addr and returns a Group of the given rank and
// size sharing groupID as their rendezvous namespace. groupID must be the
// same string on every participating process.
func NewRedisGroup(addr, groupID string, rank, size int) (*RedisGroup, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("group: redis ping failed: %w", err)
	}
	return &RedisGroup{
		client:  client,
		groupID: groupID,
		rank:    rank,
		size:    size,
		ttl:     time.Minute,
		poll:    10 * time.Millisecond,
		xferSeq: make(map[xferKey]uint64),
	}, nil
}

func (g *RedisGroup) Close() error { return g.client.Close() }

func (g *RedisGroup) Rank() int { return g.rank }
func (g *RedisGroup) Size() int { return g.size }

func (g *RedisGroup) key(parts ...any) string {
	s := "grp:" + g.groupID
	for _, p := range parts {
		s += fmt.Sprintf(":%v", p)
	}
	return s
}

// pollGet blocks until key exists or ctx is done, returning its value.
func (g *RedisGroup) pollGet(ctx context.Context, key string) ([]byte, error) {
	ticker := time.NewTicker(g.poll)
	defer ticker.Stop()
	for {
		val, err := g.client.Get(ctx, key).Bytes()
		if err == nil {
			return val, nil
		}
		if err != redis.Nil {
			return nil, fmt.Errorf("group: get %s: %w", key, err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("group: rendezvous on %s: %w", key, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (g *RedisGroup) Broadcast(ctx context.Context, root int, buf []byte) ([]byte, error) {
	seq := g.bcastSeq.Add(1)
	key := g.key("bcast", seq)
	if g.rank == root {
		if err := g.client.Set(ctx, key, buf, g.ttl).Err(); err != nil {
			return nil, fmt.Errorf("group: broadcast set: %w", err)
		}
		return buf, nil
	}
	return g.pollGet(ctx, key)
}

func (g *RedisGroup) Gather(ctx context.Context, root int, buf []byte) ([][]byte, error) {
	seq := g.gatherSeq.Add(1)
	key := g.key("gather", seq, g.rank)
	if err := g.client.Set(ctx, key, buf, g.ttl).Err(); err != nil {
		return nil, fmt.Errorf("group: gather set rank %d: %w", g.rank, err)
	}
	if g.rank != root {
		return nil, nil
	}
	out := make([][]byte, g.size)
	for r := 0; r < g.size; r++ {
		val, err := g.pollGet(ctx, g.key("gather", seq, r))
		if err != nil {
			return nil, fmt.Errorf("group: gather from rank %d: %w", r, err)
		}
		out[r] = val
	}
	return out, nil
}

func (g *RedisGroup) Barrier(ctx context.Context) error {
	seq := g.barrierSeq.Add(1)
	key := g.key("barrier", seq)
	if err := g.client.Incr(ctx, key).Err(); err != nil {
		return fmt.Errorf("group: barrier incr: %w", err)
	}
	g.client.Expire(ctx, key, g.ttl)
	ticker := time.NewTicker(g.poll)
	defer ticker.Stop()
	for {
		n, err := g.client.Get(ctx, key).Int()
		if err != nil {
			return fmt.Errorf("group: barrier read: %w", err)
		}
		if n >= g.size {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("group: barrier: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (g *RedisGroup) nextXferSeq(k xferKey) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.xferSeq[k]++
	return g.xferSeq[k]
}

type redisRequest struct {
	wait func(ctx context.Context) error
}

func (r *redisRequest) Wait(ctx context.Context) error { return r.wait(ctx) }

func (g *RedisGroup) ISend(ctx context.Context, destRank int, tag int, src []byte, srcOffset, length int) (Request, error) {
	k := xferKey{tag: tag, src: g.rank, dest: destRank}
	seq := g.nextXferSeq(k)
	key := g.key("xfer", tag, g.rank, destRank, seq)
	payload := make([]byte, length)
	copy(payload, src[srcOffset:srcOffset+length])
	if err := g.client.Set(ctx, key, payload, g.ttl).Err(); err != nil {
		return nil, fmt.Errorf("group: isend set: %w", err)
	}
	return &redisRequest{wait: func(context.Context) error { return nil }}, nil
}

func (g *RedisGroup) IRecv(ctx context.Context, srcRank int, tag int, dst []byte, dstOffset, length int) (Request, error) {
	k := xferKey{tag: tag, src: srcRank, dest: g.rank}
	seq := g.nextXferSeq(k)
	key := g.key("xfer", tag, srcRank, g.rank, seq)
	return &redisRequest{wait: func(ctx context.Context) error {
		val, err := g.pollGet(ctx, key)
		if err != nil {
			return fmt.Errorf("group: irecv: %w", err)
		}
		if len(val) != length {
			return fmt.Errorf("group: irecv length mismatch: got %d want %d", len(val), length)
		}
		copy(dst[dstOffset:dstOffset+length], val)
		return nil
	}}, nil
}
