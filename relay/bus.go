package relay

import (
	"context"
	"encoding/json"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-pluto/cosync/comm"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Structs

// Bus passes presence frames between relay processes
// serving the same documents.
type Bus interface {

	// Publish hands f, seen on a local peer of
	// documentID, to all other relays.
	Publish(ctx context.Context, documentID string, f comm.Frame) error

	// Listen calls fn for every frame another relay
	// published until ctx is done.
	Listen(ctx context.Context, fn func(documentID string, f comm.Frame)) error

	Close() error
}

type nopBus struct{}

// RedisBus implements Bus on top of one Redis pub/sub channel.
type RedisBus struct {
	logger  log.Logger
	client  *redis.Client
	channel string
	relay   string
}

type busMessage struct {
	Relay      string     `json:"relay"`
	DocumentID string     `json:"documentId"`
	Frame      comm.Frame `json:"frame"`
}

// Functions

// NewNopBus returns a bus for relays running on their own.
func NewNopBus() Bus {
	return nopBus{}
}

func (nopBus) Publish(ctx context.Context, documentID string, f comm.Frame) error {
	return nil
}

func (nopBus) Listen(ctx context.Context, fn func(documentID string, f comm.Frame)) error {
	<-ctx.Done()
	return nil
}

func (nopBus) Close() error {
	return nil
}

// NewRedisBus connects to the Redis server at addr. Messages
// published by the relay named relay are not delivered back
// to it.
func NewRedisBus(ctx context.Context, logger log.Logger, addr string, password string, db int, channel string, relay string) (*RedisBus, error) {

	if channel == "" {
		channel = "cosync-presence"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "could not reach redis at %s", addr)
	}

	return &RedisBus{
		logger:  logger,
		client:  client,
		channel: channel,
		relay:   relay,
	}, nil
}

// Publish sends f to the shared channel.
func (b *RedisBus) Publish(ctx context.Context, documentID string, f comm.Frame) error {

	msg, err := json.Marshal(busMessage{
		Relay:      b.relay,
		DocumentID: documentID,
		Frame:      f,
	})
	if err != nil {
		return errors.Wrap(err, "failed to marshal bus message")
	}

	return b.client.Publish(ctx, b.channel, msg).Err()
}

// Listen subscribes to the shared channel and blocks
// until ctx is done.
func (b *RedisBus) Listen(ctx context.Context, fn func(documentID string, f comm.Frame)) error {

	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	// Wait for the subscription to be confirmed.
	if _, err := pubsub.Receive(ctx); err != nil {
		return errors.Wrapf(err, "subscribing to %s failed", b.channel)
	}

	ch := pubsub.Channel()

	for {

		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:

			if !ok {
				return nil
			}

			var msg busMessage
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				level.Warn(b.logger).Log(
					"msg", "dropping undecodable bus message",
					"err", err,
				)
				continue
			}

			if msg.Relay == b.relay {
				continue
			}

			fn(msg.DocumentID, msg.Frame)
		}
	}
}

// Close shuts down the Redis client.
func (b *RedisBus) Close() error {
	return b.client.Close()
}
