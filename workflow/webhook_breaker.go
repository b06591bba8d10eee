package workflow

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/BaSui01/nodeflow/types"

	"go.uber.org/zap"
)

// BreakerState 熔断器状态
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig 出站调用熔断配置
type BreakerConfig struct {
	// FailureThreshold 连续失败多少次后熔断
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`
	// Cooldown 熔断后多久进入半开
	Cooldown time.Duration `json:"cooldown" yaml:"cooldown"`
	// HalfOpenProbes 半开状态允许的探测请求数
	HalfOpenProbes int `json:"half_open_probes" yaml:"half_open_probes"`
	// RecoverAfter 半开状态下连续成功多少次后恢复
	RecoverAfter int `json:"recover_after" yaml:"recover_after"`
}

// DefaultBreakerConfig 默认熔断配置
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenProbes:   3,
		RecoverAfter:     2,
	}
}

type hostBreaker struct {
	state     BreakerState
	failures  int
	successes int
	probes    int
	openedAt  time.Time
}

// BreakerWebhookClient 按目标主机熔断的 WebhookClient 装饰器。
// 传输错误与 5xx 计为失败；熔断期间直接拒绝，不发起请求。
type BreakerWebhookClient struct {
	next   WebhookClient
	config BreakerConfig
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	hosts map[string]*hostBreaker
}

// NewBreakerWebhookClient 包装已有客户端
func NewBreakerWebhookClient(next WebhookClient, config BreakerConfig, logger *zap.Logger) *BreakerWebhookClient {
	def := DefaultBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}
	if config.HalfOpenProbes <= 0 {
		config.HalfOpenProbes = def.HalfOpenProbes
	}
	if config.RecoverAfter <= 0 {
		config.RecoverAfter = def.RecoverAfter
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BreakerWebhookClient{
		next:   next,
		config: config,
		logger: logger.With(zap.String("component", "webhook_breaker")),
		now:    time.Now,
		hosts:  make(map[string]*hostBreaker),
	}
}

func (c *BreakerWebhookClient) Do(ctx context.Context, req WebhookRequest) (*WebhookResponse, error) {
	host := hostOf(req.URL)
	if err := c.allow(host); err != nil {
		return nil, err
	}
	resp, err := c.next.Do(ctx, req)
	// 调用方取消不算目标主机的失败
	if err != nil && ctx.Err() != nil {
		c.release(host)
		return resp, err
	}
	c.record(host, err == nil && resp.StatusCode < 500)
	return resp, err
}

// States 各主机当前状态
func (c *BreakerWebhookClient) States() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.hosts))
	for h, b := range c.hosts {
		out[h] = b.state.String()
	}
	return out
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Host
}

func (c *BreakerWebhookClient) allow(host string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.hosts[host]
	if !ok {
		b = &hostBreaker{}
		c.hosts[host] = b
	}

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if c.now().Sub(b.openedAt) < c.config.Cooldown {
			return types.NewError(types.ErrServiceUnavailable,
				fmt.Sprintf("circuit open for %s after %d consecutive failures", host, b.failures)).WithRetryable(true)
		}
		c.moveTo(host, b, BreakerHalfOpen)
		b.probes = 1
		b.successes = 0
		return nil
	case BreakerHalfOpen:
		if b.probes >= c.config.HalfOpenProbes {
			return types.NewError(types.ErrServiceUnavailable,
				fmt.Sprintf("circuit half-open for %s, probe limit reached", host)).WithRetryable(true)
		}
		b.probes++
		return nil
	default:
		return fmt.Errorf("unknown breaker state %d", b.state)
	}
}

// release 归还未产生结论的探测名额
func (c *BreakerWebhookClient) release(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.hosts[host]; ok && b.state == BreakerHalfOpen && b.probes > 0 {
		b.probes--
	}
}

func (c *BreakerWebhookClient) record(host string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.hosts[host]
	if b == nil {
		return
	}

	if ok {
		switch b.state {
		case BreakerClosed:
			b.failures = 0
		case BreakerHalfOpen:
			b.successes++
			if b.successes >= c.config.RecoverAfter {
				b.failures = 0
				c.moveTo(host, b, BreakerClosed)
			}
		case BreakerOpen:
		}
		return
	}

	b.failures++
	switch b.state {
	case BreakerClosed:
		if b.failures >= c.config.FailureThreshold {
			b.openedAt = c.now()
			c.moveTo(host, b, BreakerOpen)
		}
	case BreakerHalfOpen:
		b.openedAt = c.now()
		c.moveTo(host, b, BreakerOpen)
	case BreakerOpen:
	}
}

// moveTo 必须持锁调用
func (c *BreakerWebhookClient) moveTo(host string, b *hostBreaker, to BreakerState) {
	c.logger.Info("webhook circuit state change",
		zap.String("host", host),
		zap.String("from", b.state.String()),
		zap.String("to", to.String()),
		zap.Int("failures", b.failures),
	)
	b.state = to
}
