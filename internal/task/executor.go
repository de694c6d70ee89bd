package task

import (
	"context"

	xerrors "X402-Agent/internal/errors"
	"X402-Agent/internal/swarm"
)

// Collaborator 是 SwarmExecutor 依赖的蜂群能力。
type Collaborator interface {
	CollaborateWithRecovery(ctx context.Context, task string, strategy swarm.Strategy, maxRetries int) (*swarm.Outcome, error)
}

// SwarmExecutor 将排队的协作请求交给蜂群执行。
type SwarmExecutor struct {
	swarm Collaborator
	// recoveryRetries 为负数时使用蜂群自身的配置。
	recoveryRetries int
}

var _ Executor = (*SwarmExecutor)(nil)

// NewSwarmExecutor 构造执行器。recoveryRetries 小于 0 时沿用蜂群配置。
func NewSwarmExecutor(s Collaborator, recoveryRetries int) *SwarmExecutor {
	return &SwarmExecutor{swarm: s, recoveryRetries: recoveryRetries}
}

// Execute 运行带恢复的协作。恢复后仍无成员成功时返回不可重试的 CodeCollaborationFailed，
// 错误消息即失败报告。
func (e *SwarmExecutor) Execute(ctx context.Context, req Request) (*ExecutionResult, error) {
	if e == nil || e.swarm == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "蜂群执行器未初始化")
	}
	strategy, err := swarm.ParseStrategy(req.Strategy)
	if err != nil {
		return nil, xerrors.Wrap(CodeTaskValidation, err, "协作策略无效", xerrors.WithRetryable(false))
	}
	outcome, err := e.swarm.CollaborateWithRecovery(ctx, req.Prompt, strategy, e.recoveryRetries)
	if err != nil {
		return nil, err
	}
	if outcome.Exhausted {
		return nil, xerrors.New(CodeCollaborationFailed, outcome.Report,
			xerrors.WithRetryable(false),
			xerrors.WithMetadata("swarm_id", outcome.SwarmID),
			xerrors.WithMetadata("strategy", string(outcome.Strategy)),
		)
	}
	return &ExecutionResult{
		SwarmID:    outcome.SwarmID,
		Strategy:   string(outcome.Strategy),
		Report:     outcome.Report,
		Successful: outcome.Successful,
		Members:    outcome.Members,
	}, nil
}
