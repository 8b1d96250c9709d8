// Package ratelimit 按客户端身份做令牌桶准入控制。
package ratelimit

import (
	"context"
	"hash/fnv"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/zhouzirui/z-profile/backend/internal/config"
	"github.com/zhouzirui/z-profile/backend/internal/errs"
	"github.com/zhouzirui/z-profile/backend/internal/logging"
)

const (
	// APIKeyHeader HTTP 与握手请求携带凭证的请求头
	APIKeyHeader = "X-API-Key"
	// APIKeyQuery 无法设置请求头时使用的查询参数
	APIKeyQuery = "api_key"

	shardCount = 32
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// Limiter 每个身份每 Per 补充 Rate 个令牌，最多累积 Burst 个
type Limiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	trusted map[string]struct{}
	shards  [shardCount]shard
	now     func() time.Time
	logger  *zap.Logger
}

// New 根据配置创建限流器
func New(cfg config.RateLimitConfig, logger *zap.Logger) *Limiter {
	l := &Limiter{
		limit:   rate.Limit(cfg.Rate / cfg.Per.Seconds()),
		burst:   cfg.Burst,
		idleTTL: cfg.IdleTTL,
		trusted: make(map[string]struct{}, len(cfg.Trusted)),
		now:     time.Now,
		logger:  logging.OrNop(logger).Named("ratelimit"),
	}
	for _, id := range cfg.Trusted {
		l.trusted[id] = struct{}{}
	}
	for i := range l.shards {
		l.shards[i].buckets = make(map[string]*bucket)
	}
	return l
}

// IsAllowed 有令牌时从 identity 的桶中取走一个
func (l *Limiter) IsAllowed(identity string) bool {
	return l.allowAt(identity, l.now())
}

// ProcessRequest 边界处的检查：超额时返回带重试提示的 *errs.RateLimitError。
func (l *Limiter) ProcessRequest(identity string) error {
	now := l.now()
	if l.allowAt(identity, now) {
		return nil
	}
	retry := l.retryAfter(identity, now)
	l.logger.Debug("request denied", zap.String("identity", identity), zap.Duration("retry_after", retry))
	return &errs.RateLimitError{Identity: identity, RetryAfter: retry}
}

// IsTrusted 判断 identity 是否免于限流
func (l *Limiter) IsTrusted(identity string) bool {
	_, ok := l.trusted[identity]
	return ok
}

func (l *Limiter) allowAt(identity string, now time.Time) bool {
	if l.IsTrusted(identity) {
		return true
	}
	b := l.bucketFor(identity, now)
	return b.limiter.AllowN(now, 1)
}

func (l *Limiter) bucketFor(identity string, now time.Time) *bucket {
	s := l.shardFor(identity)
	s.mu.Lock()
	b, ok := s.buckets[identity]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		s.buckets[identity] = b
	}
	s.mu.Unlock()
	b.lastSeen.Store(now.UnixNano())
	return b
}

func (l *Limiter) retryAfter(identity string, now time.Time) time.Duration {
	s := l.shardFor(identity)
	s.mu.Lock()
	b := s.buckets[identity]
	s.mu.Unlock()
	if b == nil || l.limit <= 0 {
		return 0
	}
	missing := 1 - b.limiter.TokensAt(now)
	if missing <= 0 {
		return 0
	}
	secs := missing / float64(l.limit)
	return time.Duration(math.Ceil(secs * float64(time.Second)))
}

func (l *Limiter) shardFor(identity string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(identity))
	return &l.shards[h.Sum32()%shardCount]
}

// Len 返回当前桶数量
func (l *Limiter) Len() int {
	n := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		n += len(s.buckets)
		s.mu.Unlock()
	}
	return n
}

// Prune 清理空闲超过 TTL 的桶，返回清理数量。
func (l *Limiter) Prune(now time.Time) int {
	if l.idleTTL <= 0 {
		return 0
	}
	cutoff := now.Add(-l.idleTTL).UnixNano()
	removed := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for id, b := range s.buckets {
			if b.lastSeen.Load() < cutoff {
				delete(s.buckets, id)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Run 定期清理空闲桶，直到 ctx 结束
func (l *Limiter) Run(ctx context.Context) {
	if l.idleTTL <= 0 {
		return
	}
	ticker := time.NewTicker(l.idleTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			if n := l.Prune(t); n > 0 {
				l.logger.Debug("pruned idle buckets", zap.Int("count", n))
			}
		}
	}
}

// ResolveIdentity 选择 r 的身份：优先 API key，否则客户端 IP。相同 key 共用一个桶。
func ResolveIdentity(r *http.Request) string {
	if key := Credential(r); key != "" {
		return key
	}
	return ClientIP(r)
}

// Credential 返回 r 携带的 API key
func Credential(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get(APIKeyHeader)); key != "" {
		return key
	}
	return strings.TrimSpace(r.URL.Query().Get(APIKeyQuery))
}

// ClientIP 返回 r.RemoteAddr 的主机部分
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
