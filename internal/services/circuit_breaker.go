package services

import (
	"sync"
	"time"

	"flowstream/internal/config"
)

// BreakerState 熔断器状态
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // 正常
	BreakerOpen                         // 熔断
	BreakerHalfOpen                     // 试探
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker 外部工单源熔断器，连续失败达到阈值后暂停调用
type CircuitBreaker struct {
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int

	mu           sync.Mutex
	state        BreakerState
	failures     int
	lastFailTime time.Time
	halfOpenReqs int
	now          func() time.Time
}

// NewCircuitBreaker 使用配置创建熔断器，缺省值 5 次 / 60s / 1
func NewCircuitBreaker(cfg config.CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMaxReqs,
		now:          time.Now,
	}
	if cb.maxFailures <= 0 {
		cb.maxFailures = 5
	}
	if cb.resetTimeout <= 0 {
		cb.resetTimeout = 60 * time.Second
	}
	if cb.halfOpenMax <= 0 {
		cb.halfOpenMax = 1
	}
	return cb
}

// Allow 是否允许本次调用
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if cb.now().Sub(cb.lastFailTime) < cb.resetTimeout {
			return false
		}
		cb.state = BreakerHalfOpen
		cb.halfOpenReqs = 1
		return true
	case BreakerHalfOpen:
		if cb.halfOpenReqs < cb.halfOpenMax {
			cb.halfOpenReqs++
			return true
		}
		return false
	}
	return false
}

// OnSuccess 调用成功
func (cb *CircuitBreaker) OnSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = BreakerClosed
	cb.failures = 0
	cb.halfOpenReqs = 0
}

// OnFailure 调用失败
func (cb *CircuitBreaker) OnFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailTime = cb.now()
	switch cb.state {
	case BreakerClosed:
		if cb.failures >= cb.maxFailures {
			cb.state = BreakerOpen
		}
	case BreakerHalfOpen:
		cb.state = BreakerOpen
		cb.halfOpenReqs = 0
	}
}

// State 当前状态
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats 状态快照
func (cb *CircuitBreaker) Stats() map[string]interface{} {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return map[string]interface{}{
		"state":          cb.state.String(),
		"failure_count":  cb.failures,
		"last_fail_time": cb.lastFailTime,
	}
}

// BreakerRegistry 按 (租户, 来源) 维护熔断器
type BreakerRegistry struct {
	cfg      config.CircuitBreakerConfig
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

func NewBreakerRegistry(cfg config.CircuitBreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{cfg: cfg, breakers: make(map[string]*CircuitBreaker)}
}

// Get 未启用熔断时返回 nil
func (r *BreakerRegistry) Get(companyID string, source SourceKind) *CircuitBreaker {
	if r == nil || !r.cfg.Enabled {
		return nil
	}
	key := companyID + ":" + string(source)
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[key]
	if !ok {
		cb = NewCircuitBreaker(r.cfg)
		r.breakers[key] = cb
	}
	return cb
}

// OpenCount 当前处于熔断状态的数量
func (r *BreakerRegistry) OpenCount() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, cb := range r.breakers {
		if cb.State() == BreakerOpen {
			n++
		}
	}
	return n
}
