package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/cairnrepo/cairn/pkg/changes"
	"github.com/cairnrepo/cairn/pkg/observability/logger"
	"github.com/cairnrepo/cairn/pkg/observability/tracing"
)

// seenLimit bounds how many remotely applied change set ids the propagator
// remembers for echo suppression.
const seenLimit = 1024

type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// RedisPropagatorConfig configures the Redis-backed change propagator.
type RedisPropagatorConfig struct {
	URL              string
	Channel          string
	MaxConns         int
	OperationTimeout time.Duration
}

// RedisPropagator fans committed change sets out to peer processes over a
// Redis pub/sub channel. Attach it as a listener on local workspaces to
// publish their change sets, and Start it to apply change sets published by
// peers to the matching local workspaces.
type RedisPropagator struct {
	client    redisClient
	channel   string
	opTimeout time.Duration
	origin    string
	log       logger.Logger

	mu         sync.Mutex
	workspaces map[string]Workspace
	seen       map[string]struct{}
	seenOrder  []string
	pubsub     *redis.PubSub
	cancel     context.CancelFunc
	started    bool
}

type envelope struct {
	Origin    string             `json:"origin"`
	ChangeSet *changes.ChangeSet `json:"change_set"`
}

// NewRedisPropagator connects to Redis and returns a propagator ready to
// publish. Call Start to begin applying change sets from peers.
func NewRedisPropagator(cfg RedisPropagatorConfig, log logger.Logger) (*RedisPropagator, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("redis propagator url is required")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.MaxConns > 0 {
		opts.PoolSize = cfg.MaxConns
	}
	client := redis.NewClient(opts)

	p := newRedisPropagator(client, cfg, log)

	ctx, cancel := context.WithTimeout(context.Background(), p.opTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info("Cache propagator connected", "channel", p.channel, "origin", p.origin)
	return p, nil
}

func newRedisPropagator(client redisClient, cfg RedisPropagatorConfig, log logger.Logger) *RedisPropagator {
	channel := strings.TrimSpace(cfg.Channel)
	if channel == "" {
		channel = "cairn:changes"
	}
	timeout := cfg.OperationTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RedisPropagator{
		client:     client,
		channel:    channel,
		opTimeout:  timeout,
		origin:     uuid.NewString(),
		log:        log,
		workspaces: make(map[string]Workspace),
		seen:       make(map[string]struct{}),
	}
}

// Attach registers a local workspace as the target for remote change sets
// addressed to its name.
func (p *RedisPropagator) Attach(ws Workspace) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.workspaces[ws.Name()] = ws
}

// Publish sends a change set to peer processes. It satisfies Listener, so it
// can be attached directly to a MemoryWorkspace. Change sets that were
// themselves applied from a peer are not published again.
func (p *RedisPropagator) Publish(cs *changes.ChangeSet) {
	if cs.IsEmpty() || p.wasSeen(cs.ID) {
		return
	}

	_, span := tracing.StartCacheSpan(context.Background(), tracing.SpanOperationCachePublish,
		tracing.WithCacheSystem("redis"),
		tracing.WithCacheWorkspace(cs.Workspace),
		tracing.WithCacheChanges(cs.Size()),
	)
	defer span.End()

	payload, err := json.Marshal(envelope{Origin: p.origin, ChangeSet: cs})
	if err != nil {
		tracing.RecordError(span, err)
		p.log.Error("Failed to encode change set", "workspace", cs.Workspace, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.opTimeout)
	defer cancel()
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		tracing.RecordError(span, err)
		p.log.Error("Failed to publish change set", "workspace", cs.Workspace, "error", err)
		return
	}
	tracing.RecordSuccess(span)
}

// Start subscribes to the propagation channel and applies change sets from
// peers until the context is cancelled or Close is called.
func (p *RedisPropagator) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errors.New("cache propagator already started")
	}
	p.started = true
	p.mu.Unlock()

	pubsub := p.client.Subscribe(ctx, p.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe channel %s: %w", p.channel, err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.pubsub = pubsub
	p.cancel = cancel
	p.mu.Unlock()

	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case <-loopCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				p.handleMessage([]byte(msg.Payload))
			}
		}
	}()

	return nil
}

func (p *RedisPropagator) handleMessage(payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		p.log.Warn("Dropping malformed change set message", "error", err)
		return
	}
	if env.Origin == p.origin || env.ChangeSet.IsEmpty() {
		return
	}

	// Remember the id before applying so that workspace listeners, which
	// include Publish, do not echo the change set back to the channel.
	p.markSeen(env.ChangeSet.ID)

	p.mu.Lock()
	ws := p.workspaces[env.ChangeSet.Workspace]
	p.mu.Unlock()
	if ws == nil {
		p.log.Debug("No local workspace for remote change set", "workspace", env.ChangeSet.Workspace)
		return
	}

	_, span := tracing.StartCacheSpan(context.Background(), tracing.SpanOperationCacheApply,
		tracing.WithCacheSystem("redis"),
		tracing.WithCacheWorkspace(env.ChangeSet.Workspace),
		tracing.WithCacheChanges(env.ChangeSet.Size()),
	)
	defer span.End()

	ws.Changed(env.ChangeSet)
	tracing.RecordSuccess(span)
}

func (p *RedisPropagator) wasSeen(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.seen[id]
	return ok
}

func (p *RedisPropagator) markSeen(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.seen[id]; ok {
		return
	}
	p.seen[id] = struct{}{}
	p.seenOrder = append(p.seenOrder, id)
	if len(p.seenOrder) > seenLimit {
		oldest := p.seenOrder[0]
		p.seenOrder = p.seenOrder[1:]
		delete(p.seen, oldest)
	}
}

// HealthCheck verifies the Redis connection is alive.
func (p *RedisPropagator) HealthCheck(ctx context.Context) error {
	innerCtx, cancel := context.WithTimeout(ctx, p.opTimeout)
	defer cancel()
	if err := p.client.Ping(innerCtx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// Close stops the subscription loop and releases the Redis connection.
func (p *RedisPropagator) Close() error {
	p.mu.Lock()
	cancel := p.cancel
	pubsub := p.pubsub
	p.cancel = nil
	p.pubsub = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if pubsub != nil {
		_ = pubsub.Close()
	}
	return p.client.Close()
}
