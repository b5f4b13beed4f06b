package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	xerrors "OnyxLab-Core/internal/errors"
)

// Locker 在多实例部署时保证同一会话同一时间只有一个操作在执行。
// 锁已被持有时 Acquire 返回 SESSION_BUSY。
type Locker interface {
	Acquire(ctx context.Context, sessionID string) (release func(), err error)
}

// releaseScript 只有持有者令牌匹配时才删除锁。
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker 基于 SET NX PX 实现的分布式会话锁。
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// RedisLockerConfig 描述分布式锁的连接参数。
type RedisLockerConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// NewRedisLocker 创建分布式锁并检查连通性。
func NewRedisLocker(ctx context.Context, cfg RedisLockerConfig) (*RedisLocker, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 Redis 失败")
	}
	return NewRedisLockerFromClient(client, cfg.KeyPrefix, cfg.TTL), nil
}

// NewRedisLockerFromClient 使用已有客户端创建分布式锁。
func NewRedisLockerFromClient(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisLocker {
	if prefix == "" {
		prefix = "onyx:session-lock:"
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl}
}

// Acquire 尝试获取会话锁，返回的 release 只会释放自己持有的锁。
func (l *RedisLocker) Acquire(ctx context.Context, sessionID string) (func(), error) {
	key := l.prefix + sessionID
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取会话锁失败")
	}
	if !ok {
		return nil, xerrors.New(xerrors.CodeSessionBusy, "会话正在被其他实例处理",
			xerrors.WithMetadata("session_id", sessionID))
	}
	return func() {
		_ = releaseScript.Run(context.WithoutCancel(ctx), l.client, []string{key}, token).Err()
	}, nil
}

// Close 关闭 Redis 连接。
func (l *RedisLocker) Close() error {
	if l == nil || l.client == nil {
		return nil
	}
	return l.client.Close()
}
