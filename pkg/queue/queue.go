// Package queue enqueues background jobs on asynq. The only job today is the
// purge of staged intake payloads.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/feichai0017/document-reconciler/config"
)

// TaskType 定义任务类型
const (
	TaskTypeIntakeCleanup = "intake:cleanup"
)

// 队列名称
const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

// Queues 队列权重
var Queues = map[string]int{
	QueueCritical: 6,
	QueueDefault:  3,
	QueueLow:      1,
}

// ErrStatusNotFound is returned when neither Redis nor asynq knows the task.
var ErrStatusNotFound = errors.New("task status not found")

// Queue 接口定义
type Queue interface {
	EnqueueCleanup(ctx context.Context, payload CleanupPayload) (string, error)
	GetTaskStatus(ctx context.Context, taskID string) (*TaskStatus, error)
	SaveFinalStatus(ctx context.Context, status *TaskStatus) error
	Close() error
}

// CleanupPayload removes objects under Prefix last modified more than
// OlderThan before the job runs. A zero OlderThan removes everything.
type CleanupPayload struct {
	Prefix    string        `json:"prefix"`
	OlderThan time.Duration `json:"olderThan"`
}

// TaskStatus 定义任务状态
type TaskStatus struct {
	TaskID     string    `json:"taskId"`
	Status     string    `json:"status"`
	Removed    int       `json:"removed"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
}

// QueueConfig 定义队列配置
type QueueConfig struct {
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	MaxRetries     int
	ProcessTimeout time.Duration
	StatusTTL      time.Duration
}

// ConfigFromRedis 使用共享的 Redis 配置
func ConfigFromRedis(cfg *config.RedisConfig) *QueueConfig {
	return &QueueConfig{
		RedisAddr:      cfg.Addr,
		RedisPassword:  cfg.Password,
		RedisDB:        cfg.DB,
		MaxRetries:     3,
		ProcessTimeout: 10 * time.Minute,
		StatusTTL:      24 * time.Hour,
	}
}

// RedisOpt 返回 asynq 连接选项
func (c *QueueConfig) RedisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB}
}

// AsynqQueue 实现
type AsynqQueue struct {
	cfg       *QueueConfig
	client    *asynq.Client
	inspector *asynq.Inspector
	redis     *redis.Client
}

// NewAsynqQueue 创建新的队列实例
func NewAsynqQueue(cfg *QueueConfig) *AsynqQueue {
	redisOpt := cfg.RedisOpt()
	return &AsynqQueue{
		cfg:       cfg,
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		redis: redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}),
	}
}

// NewCleanupTask builds the asynq task for payload.
func NewCleanupTask(payload CleanupPayload, opts ...asynq.Option) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return asynq.NewTask(TaskTypeIntakeCleanup, data, opts...), nil
}

// ParseCleanupPayload decodes the payload of a cleanup task.
func ParseCleanupPayload(t *asynq.Task) (CleanupPayload, error) {
	var p CleanupPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return p, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	if p.Prefix == "" {
		return p, errors.New("cleanup prefix is empty")
	}
	return p, nil
}

// EnqueueCleanup 将清理任务加入队列, 返回任务ID
func (q *AsynqQueue) EnqueueCleanup(ctx context.Context, payload CleanupPayload) (string, error) {
	t, err := NewCleanupTask(payload,
		asynq.ProcessIn(time.Second),
		asynq.MaxRetry(q.cfg.MaxRetries),
		asynq.Timeout(q.cfg.ProcessTimeout),
		asynq.Queue(QueueLow),
	)
	if err != nil {
		return "", err
	}
	info, err := q.client.EnqueueContext(ctx, t)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}
	return info.ID, nil
}

// GetTaskStatus 获取任务状态, 先查 Redis 中保存的最终状态, 再查 asynq
func (q *AsynqQueue) GetTaskStatus(ctx context.Context, taskID string) (*TaskStatus, error) {
	data, err := q.redis.Get(ctx, statusKey(taskID)).Bytes()
	switch {
	case err == nil:
		var status TaskStatus
		if err := json.Unmarshal(data, &status); err != nil {
			return nil, fmt.Errorf("failed to unmarshal status: %w", err)
		}
		return &status, nil
	case !errors.Is(err, redis.Nil):
		return nil, fmt.Errorf("failed to get status from redis: %w", err)
	}

	for name := range Queues {
		info, err := q.inspector.GetTaskInfo(name, taskID)
		if err == nil {
			return convertAsynqStatus(info), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrStatusNotFound, taskID)
}

// SaveFinalStatus 保存最终任务状态
func (q *AsynqQueue) SaveFinalStatus(ctx context.Context, status *TaskStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	if err := q.redis.Set(ctx, statusKey(status.TaskID), data, q.cfg.StatusTTL).Err(); err != nil {
		return fmt.Errorf("failed to save status: %w", err)
	}
	return nil
}

// Close 关闭连接
func (q *AsynqQueue) Close() error {
	return errors.Join(q.client.Close(), q.inspector.Close(), q.redis.Close())
}

// NewCleanupScheduler 注册周期性清理任务
func NewCleanupScheduler(cfg *QueueConfig, spec string, payload CleanupPayload) (*asynq.Scheduler, error) {
	t, err := NewCleanupTask(payload, asynq.Queue(QueueLow), asynq.MaxRetry(cfg.MaxRetries))
	if err != nil {
		return nil, err
	}
	s := asynq.NewScheduler(cfg.RedisOpt(), &asynq.SchedulerOpts{Location: time.UTC})
	if _, err := s.Register(spec, t); err != nil {
		return nil, fmt.Errorf("failed to register %q: %w", spec, err)
	}
	return s, nil
}

func statusKey(taskID string) string {
	return "task_status:" + taskID
}

// convertAsynqStatus 将 asynq 状态转换为 TaskStatus
func convertAsynqStatus(info *asynq.TaskInfo) *TaskStatus {
	status := &TaskStatus{TaskID: info.ID}
	switch info.State {
	case asynq.TaskStatePending, asynq.TaskStateScheduled:
		status.Status = "pending"
	case asynq.TaskStateActive:
		status.Status = "running"
	case asynq.TaskStateCompleted:
		status.Status = "completed"
		status.FinishedAt = info.CompletedAt
	case asynq.TaskStateRetry, asynq.TaskStateArchived:
		status.Status = "failed"
		status.Error = info.LastErr
	default:
		status.Status = info.State.String()
	}
	return status
}
