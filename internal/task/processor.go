package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "X402-Agent/internal/errors"
	"X402-Agent/internal/observability/alerting"
	"X402-Agent/internal/observability/metrics"
	"X402-Agent/pkg/logger"
)

// Executor 执行一次协作请求。
type Executor interface {
	Execute(ctx context.Context, req Request) (*ExecutionResult, error)
}

// Processor 负责从队列消费协作任务并交给蜂群执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	now         func() time.Time
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动任务处理循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskCompleted) || stdErrors.Is(err, ErrTaskExhausted) {
			p.logDebug("跳过任务", slog.String("task_id", taskID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		p.emitAlert(ctx, &Task{ID: taskID}, CodeTaskProcessing, err, "claim")
		return err
	}
	metrics.ObserveJob(string(StatusRunning))

	result, execErr := p.executor.Execute(ctx, Request{
		ID:         task.ID,
		Prompt:     task.Prompt,
		Strategy:   task.Strategy,
		MaxRetries: task.MaxRetries,
		Metadata:   cloneMetadata(task.Metadata),
	})
	if execErr != nil {
		return p.handleExecutionFailure(ctx, task, execErr)
	}

	var record ExecutionResult
	if result != nil {
		record = *result
	}
	if err := p.store.MarkSucceeded(ctx, task.ID, record); err != nil {
		logger.L().Error("标记任务成功状态失败", slog.Any("error", err), slog.String("task_id", task.ID))
		if storeErr := p.store.MarkFailed(ctx, task.ID, CodeTaskProcessing, err.Error(), false); storeErr != nil {
			logger.L().Error("回写失败状态出错", slog.Any("error", storeErr), slog.String("task_id", task.ID))
			return storeErr
		}
		if pubErr := p.producer.Publish(ctx, task.ID); pubErr != nil {
			return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("任务 %s 在标记成功失败后重投失败", task.ID))
		}
		logger.Audit().Warn("任务标记成功失败后重试",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	metrics.ObserveJob(string(StatusSucceeded))
	logger.Audit().Info("协作任务完成",
		slog.String("task_id", task.ID),
		slog.String("swarm_id", record.SwarmID),
		slog.String("strategy", record.Strategy),
		slog.Int("successful", record.Successful),
		slog.Int("members", record.Members),
	)
	return nil
}

func (p *Processor) handleExecutionFailure(ctx context.Context, task *Task, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := task.Attempts >= task.MaxRetries || !retryable

	if storeErr := p.store.MarkFailed(ctx, task.ID, code, execErr.Error(), terminal); storeErr != nil {
		logger.L().Error("标记任务失败状态出错", slog.Any("error", storeErr), slog.String("task_id", task.ID))
		return storeErr
	}
	metrics.ObserveJob(string(StatusFailed))
	logger.Audit().Warn("协作任务失败",
		slog.String("task_id", task.ID),
		slog.Bool("terminal", terminal),
		slog.String("error_code", string(code)),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)

	stage := "retry"
	if terminal {
		stage = "terminal"
	} else if !retryable {
		stage = "non_retryable"
	}
	p.emitAlert(ctx, task, code, execErr, stage)

	if retryable && !terminal {
		if pubErr := p.producer.Publish(ctx, task.ID); pubErr != nil {
			return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("任务 %s 重投失败", task.ID))
		}
		p.logDebug("任务已重新排队", slog.String("task_id", task.ID), slog.Int("attempts", task.Attempts))
	}
	return nil
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, task *Task, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || task == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	metadata := map[string]string{
		"stage": stage,
	}
	if cause != nil {
		message = cause.Error()
		metadata["cause"] = cause.Error()
	}
	if task.Strategy != "" {
		metadata["strategy"] = task.Strategy
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		Source:     "collaborations",
		Subject:    task.ID,
		Attempts:   task.Attempts,
		MaxRetries: task.MaxRetries,
		Metadata:   metadata,
		OccurredAt: p.now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("task_id", task.ID),
			slog.String("stage", stage),
		)
	}
}
