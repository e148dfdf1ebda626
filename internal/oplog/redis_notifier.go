package oplog

import (
	"context"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/golem-project/worker-executor/internal/golemerr"
	"github.com/golem-project/worker-executor/internal/worker"
)

// redisChannelPrefix mirrors the teacher's queue/redis_notifier.go naming
// convention, renamed to this module's domain.
const redisChannelPrefix = "golem:oplog:notify:"

func channelFor(id worker.ID) string {
	return redisChannelPrefix + id.ComponentID + ":" + id.Name
}

// RedisNotifier fans out append notifications across processes so that a
// ConnectWorker call on a node that isn't running the worker still wakes up
// promptly instead of relying solely on its own poll interval.
type RedisNotifier struct {
	client *redis.Client
}

func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client}
}

func (n *RedisNotifier) Publish(ctx context.Context, id worker.ID, newLast Index) error {
	if err := n.client.Publish(ctx, channelFor(id), strconv.FormatUint(uint64(newLast), 10)).Err(); err != nil {
		return golemerr.New("oplog.RedisNotifier.Publish", golemerr.KindStorageFailure, err)
	}
	return nil
}

func (n *RedisNotifier) Listen(ctx context.Context, id worker.ID) (<-chan Index, func(), error) {
	sub := n.client.Subscribe(ctx, channelFor(id))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, golemerr.New("oplog.RedisNotifier.Listen", golemerr.KindStorageFailure, err)
	}
	out := make(chan Index, 8)
	redisCh := sub.Channel()
	go func() {
		defer close(out)
		for msg := range redisCh {
			raw := strings.TrimSpace(msg.Payload)
			v, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				continue
			}
			select {
			case out <- Index(v):
			default:
			}
		}
	}()
	cancel := func() { _ = sub.Close() }
	return out, cancel, nil
}
