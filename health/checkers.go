package health

import (
	"context"
	"fmt"
	"runtime"
	"time"
)

// BrokerState is the broker-side state the bridge depends on
type BrokerState interface {
	Connected() bool
	RepliesOpen() bool
	OpenChannels() int
}

// QueueInspector reports the work queue depth
type QueueInspector interface {
	QueueDepth(ctx context.Context) (messages, consumers int, err error)
}

// Pinger is a store that can be probed
type Pinger interface {
	Ping(ctx context.Context) error
}

// PendingReporter exposes synchronous calls in flight
type PendingReporter interface {
	Pending() int
	OldestPending() time.Duration
	Timeout() time.Duration
}

func newResult(name string) CheckResult {
	return CheckResult{
		Name:      name,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
	}
}

// RabbitMQChecker checks the broker connection and the reply subscription.
// Without a reply subscription synchronous calls can only time out, so the
// check is unhealthy then; deferred calls still work.
type RabbitMQChecker struct {
	state BrokerState
}

func NewRabbitMQChecker(state BrokerState) *RabbitMQChecker {
	return &RabbitMQChecker{state: state}
}

func (c *RabbitMQChecker) Name() string {
	return "rabbitmq"
}

func (c *RabbitMQChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c.Name())
	start := result.Timestamp

	connected := c.state.Connected()
	repliesOpen := c.state.RepliesOpen()
	result.Details["connected"] = connected
	result.Details["replies_open"] = repliesOpen
	result.Details["open_channels"] = c.state.OpenChannels()

	switch {
	case !connected:
		result.Status = StatusUnhealthy
		result.Message = "Not connected to RabbitMQ"
	case !repliesOpen:
		result.Status = StatusUnhealthy
		result.Message = "Reply subscription is down"
	default:
		result.Status = StatusHealthy
		result.Message = "Connection is healthy"
	}

	result.Duration = time.Since(start)
	return result
}

// QueueChecker inspects the work queue. No consumers or a long backlog
// degrade the service but do not make it unhealthy.
type QueueChecker struct {
	queue     string
	inspector QueueInspector
	maxDepth  int
}

func NewQueueChecker(queue string, inspector QueueInspector, maxDepth int) *QueueChecker {
	return &QueueChecker{queue: queue, inspector: inspector, maxDepth: maxDepth}
}

func (c *QueueChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.queue)
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c.Name())
	start := result.Timestamp

	messages, consumers, err := c.inspector.QueueDepth(ctx)
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Queue %s not accessible", c.queue)
		result.Error = err.Error()
		return result
	}

	result.Details["message_count"] = messages
	result.Details["consumer_count"] = consumers

	switch {
	case consumers == 0:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Queue %s has no workers", c.queue)
	case c.maxDepth > 0 && messages > c.maxDepth:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Queue %s has high message count", c.queue)
	default:
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("Queue %s is accessible", c.queue)
	}
	return result
}

// RedisChecker pings the result store
type RedisChecker struct {
	store Pinger
}

func NewRedisChecker(store Pinger) *RedisChecker {
	return &RedisChecker{store: store}
}

func (c *RedisChecker) Name() string {
	return "redis"
}

func (c *RedisChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c.Name())
	start := result.Timestamp

	err := c.store.Ping(ctx)
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()

	if err != nil {
		// sync calls keep working without the store
		result.Status = StatusDegraded
		result.Message = "Result store unreachable"
		result.Error = err.Error()
		return result
	}

	result.Status = StatusHealthy
	result.Message = "Result store is reachable"
	return result
}

// BridgeChecker reports calls in flight. A call pending for longer than the
// timeout means the timeout path is stuck.
type BridgeChecker struct {
	bridge     PendingReporter
	maxPending int
}

func NewBridgeChecker(bridge PendingReporter, maxPending int) *BridgeChecker {
	return &BridgeChecker{bridge: bridge, maxPending: maxPending}
}

func (c *BridgeChecker) Name() string {
	return "bridge"
}

func (c *BridgeChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c.Name())
	start := result.Timestamp

	pending := c.bridge.Pending()
	oldest := c.bridge.OldestPending()
	timeout := c.bridge.Timeout()

	result.Details["pending"] = pending
	result.Details["oldest_pending_ms"] = oldest.Milliseconds()
	result.Details["timeout_ms"] = timeout.Milliseconds()

	switch {
	case oldest > 2*timeout:
		result.Status = StatusUnhealthy
		result.Message = "Pending call stuck well past its timeout"
	case c.maxPending > 0 && pending >= c.maxPending:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Pending call limit reached: %d", pending)
	default:
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("%d calls pending", pending)
	}

	result.Duration = time.Since(start)
	return result
}

// MemoryChecker watches goroutine count as a leak indicator
type MemoryChecker struct {
	warnGoroutines     int
	criticalGoroutines int
}

func NewMemoryChecker(warnGoroutines, criticalGoroutines int) *MemoryChecker {
	return &MemoryChecker{warnGoroutines: warnGoroutines, criticalGoroutines: criticalGoroutines}
}

func (c *MemoryChecker) Name() string {
	return "memory"
}

func (c *MemoryChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c.Name())
	start := result.Timestamp

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case c.criticalGoroutines > 0 && goroutines > c.criticalGoroutines:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case c.warnGoroutines > 0 && goroutines > c.warnGoroutines:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Memory usage is normal"
	}

	result.Duration = time.Since(start)
	return result
}
