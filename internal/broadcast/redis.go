// Package broadcast mirrors realtime events between instances over redis
// pub/sub. Each instance publishes the events it originates and replays
// remote-origin events into its local connection registry, so room fan-out
// reaches users connected to any instance.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/homefix/internal/logger"
)

const channel = "homefix:events"

// Local is the instance-local delivery surface (the ws hub).
type Local interface {
	DeliverUser(userID, event string, payload json.RawMessage)
	DeliverRoom(roomID, exceptUserID, event string, payload json.RawMessage)
}

type scope string

const (
	scopeUser scope = "user"
	scopeRoom scope = "room"
)

type envelope struct {
	Origin  string          `json:"origin"`
	Scope   scope           `json:"scope"`
	Target  string          `json:"target"`
	Except  string          `json:"except,omitempty"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Bridge implements ws.Relay on the publish side and feeds Local on the
// subscribe side. Publishing is best effort: a lost event degrades to the
// single-instance behavior, it never fails the originating operation.
type Bridge struct {
	rdb      *redis.Client
	local    Local
	instance string
}

func New(rdb *redis.Client, local Local) *Bridge {
	return &Bridge{rdb: rdb, local: local, instance: uuid.New().String()}
}

// Run consumes the shared channel until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	sub := b.rdb.Subscribe(ctx, channel)
	defer sub.Close()

	// Wait for the subscription to be confirmed before reporting readiness.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("broadcast subscribe: %w", err)
	}
	logger.Infof("broadcast bridge subscribed instance=%s", b.instance)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.handle([]byte(msg.Payload))
		}
	}
}

func (b *Bridge) handle(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		logger.Errorf("broadcast decode: %v", err)
		return
	}
	// Our own events were already delivered locally before publishing.
	if env.Origin == b.instance {
		return
	}
	switch env.Scope {
	case scopeUser:
		b.local.DeliverUser(env.Target, env.Event, env.Payload)
	case scopeRoom:
		b.local.DeliverRoom(env.Target, env.Except, env.Event, env.Payload)
	default:
		logger.Errorf("broadcast unknown scope %q", env.Scope)
	}
}

// PublishUser implements ws.Relay.
func (b *Bridge) PublishUser(userID, event string, payload any) {
	b.publish(envelope{Scope: scopeUser, Target: userID, Event: event}, payload)
}

// PublishRoom implements ws.Relay.
func (b *Bridge) PublishRoom(roomID, exceptUserID, event string, payload any) {
	b.publish(envelope{Scope: scopeRoom, Target: roomID, Except: exceptUserID, Event: event}, payload)
}

func (b *Bridge) publish(env envelope, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		logger.Errorf("broadcast encode payload event=%s: %v", env.Event, err)
		return
	}
	env.Origin = b.instance
	env.Payload = raw
	data, err := json.Marshal(env)
	if err != nil {
		logger.Errorf("broadcast encode envelope event=%s: %v", env.Event, err)
		return
	}
	if err := b.rdb.Publish(context.Background(), channel, data).Err(); err != nil {
		logger.Errorf("broadcast publish event=%s: %v", env.Event, err)
	}
}
