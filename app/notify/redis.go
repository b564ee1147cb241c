package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"hanbok-fusion/app/logger"

	"github.com/redis/go-redis/v9"
)

// RedisNotifier 通过 Redis 发布订阅在多个实例间转发任务变更
type RedisNotifier struct {
	*Hub
	client *redis.Client
	pubsub *redis.PubSub
	prefix string
	log    *logger.Logger
	wg     sync.WaitGroup
}

// NewRedisNotifier 连接 Redis 并开始监听 prefix* 频道
func NewRedisNotifier(opts *redis.Options, prefix string, log *logger.Logger) (*RedisNotifier, error) {
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	pubsub := client.PSubscribe(context.Background(), prefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		_ = client.Close()
		return nil, fmt.Errorf("订阅任务频道失败: %w", err)
	}

	n := &RedisNotifier{
		Hub:    NewHub(),
		client: client,
		pubsub: pubsub,
		prefix: prefix,
		log:    log,
	}

	n.wg.Add(1)
	go n.forward()

	return n, nil
}

// forward 把 Redis 消息转发给本实例的订阅者
func (n *RedisNotifier) forward() {
	defer n.wg.Done()

	for msg := range n.pubsub.Channel() {
		n.broadcast(strings.TrimPrefix(msg.Channel, n.prefix))
	}
}

func (n *RedisNotifier) Publish(ctx context.Context, taskID string) {
	if err := n.client.Publish(ctx, n.prefix+taskID, "changed").Err(); err != nil {
		n.log.Warnf("发布任务变更失败，仅通知本实例: TaskID=%s, 错误: %v", taskID, err)
		n.broadcast(taskID)
	}
}

func (n *RedisNotifier) Close() error {
	err := n.pubsub.Close()
	n.wg.Wait()
	if cerr := n.client.Close(); err == nil {
		err = cerr
	}
	return err
}
