package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"whiteboard/internal/protocol"
)

const relayBuffer = 1024

// Relay shares cursor frames between authority instances over redis
// pub/sub. Element state is never relayed: one instance owns a board.
type Relay struct {
	rdb      *redis.Client
	channel  string
	instance string
	log      *zap.SugaredLogger
	out      chan []byte
}

type relayFrame struct {
	Instance string            `json:"instance"`
	Envelope protocol.Envelope `json:"envelope"`
}

func NewRelay(rdb *redis.Client, channel string, log *zap.SugaredLogger) *Relay {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Relay{
		rdb:      rdb,
		channel:  channel,
		instance: uuid.NewString(),
		log:      log,
		out:      make(chan []byte, relayBuffer),
	}
}

// Publish queues a cursor frame. Frames are dropped when the queue is full;
// cursors are ephemeral and the next update supersedes them.
func (r *Relay) Publish(env protocol.Envelope) {
	data, err := json.Marshal(relayFrame{Instance: r.instance, Envelope: env})
	if err != nil {
		return
	}
	select {
	case r.out <- data:
	default:
	}
}

// Run subscribes to the relay channel and publishes queued frames until ctx
// is cancelled. Frames from other instances are passed to deliver.
func (r *Relay) Run(ctx context.Context, deliver func(protocol.Envelope)) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.log.Infof("[relay] subscribed to %s as %s", r.channel, r.instance)

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case data := <-r.out:
			if err := r.rdb.Publish(ctx, r.channel, data).Err(); err != nil {
				r.log.Warnf("[relay] publish: %v", err)
			}
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var frame relayFrame
			if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
				r.log.Debugf("[relay] bad frame: %v", err)
				continue
			}
			if frame.Instance == r.instance || frame.Envelope.Type != protocol.TypeCursorUpdated {
				continue
			}
			deliver(frame.Envelope)
		}
	}
}
