package task

import (
	stdErrors "errors"

	xerrors "X402-Agent/internal/errors"
)

// Status 表示协作任务在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Request 描述一次提交给蜂群的协作请求。
type Request struct {
	ID         string         `json:"id,omitempty"`
	Prompt     string         `json:"prompt"`
	Strategy   string         `json:"strategy,omitempty"`
	MaxRetries int            `json:"max_retries,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ExecutionResult 保存一次协作的结果。
type ExecutionResult struct {
	SwarmID    string `json:"swarm_id"`
	Strategy   string `json:"strategy"`
	Report     string `json:"report"`
	Successful int    `json:"successful"`
	Members    int    `json:"members"`
}

// Task 描述了排队执行的协作任务。MaxRetries 是任务级别的重投次数，
// 与蜂群内部的恢复重试相互独立。
type Task struct {
	ID         string           `json:"id"`
	Prompt     string           `json:"prompt"`
	Strategy   string           `json:"strategy"`
	Metadata   map[string]any   `json:"metadata,omitempty"`
	Status     Status           `json:"status"`
	Attempts   int              `json:"attempts"`
	MaxRetries int              `json:"max_retries"`
	LastError  string           `json:"last_error,omitempty"`
	ErrorCode  string           `json:"error_code,omitempty"`
	Result     *ExecutionResult `json:"result,omitempty"`
	CreatedAt  int64            `json:"created_at"`
	UpdatedAt  int64            `json:"updated_at"`
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTaskCompleted 表示任务已经成功完成。
	ErrTaskCompleted = xerrors.New(CodeTaskCompleted, "task already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrTaskExhausted 表示任务的重试次数已经耗尽。
	ErrTaskExhausted = xerrors.New(CodeTaskExhausted, "task retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeTaskNotFound   xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict   xerrors.Code = "TASK_CONFLICT"
	CodeTaskCompleted  xerrors.Code = "TASK_COMPLETED"
	CodeTaskExhausted  xerrors.Code = "TASK_RETRIES_EXHAUSTED"
	CodeTaskValidation xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskPublish    xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskProcessing xerrors.Code = "TASK_PROCESSING_FAILED"
	// CodeCollaborationFailed 表示蜂群在恢复重试后仍没有任何成员成功。
	CodeCollaborationFailed xerrors.Code = "COLLABORATION_FAILED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:  "task not found",
		Severity: xerrors.SeverityInfo,
		Parent:   xerrors.CodeNotFound,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:  "task conflict",
		Severity: xerrors.SeverityWarning,
		Parent:   xerrors.CodeConflict,
	})
	xerrors.Register(CodeTaskCompleted, xerrors.Attributes{
		Message:  "task already completed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskExhausted, xerrors.Attributes{
		Message:  "task retries exhausted",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:  "task validation failed",
		Severity: xerrors.SeverityInfo,
		Parent:   xerrors.CodeInvalidInput,
	})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:   "failed to publish task",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
		Parent:    xerrors.CodeQueueFailure,
	})
	xerrors.Register(CodeTaskProcessing, xerrors.Attributes{
		Message:   "task execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeCollaborationFailed, xerrors.Attributes{
		Message:  "collaboration failed after recovery",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// IsTaskError 判断错误是否为统一任务错误。
func IsTaskError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	switch {
	case stdErrors.Is(err, ErrTaskNotFound):
		return target == CodeTaskNotFound
	case stdErrors.Is(err, ErrTaskConflict):
		return target == CodeTaskConflict
	case stdErrors.Is(err, ErrTaskCompleted):
		return target == CodeTaskCompleted
	case stdErrors.Is(err, ErrTaskExhausted):
		return target == CodeTaskExhausted
	}
	return false
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]any, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}

// CloneTask 返回任务的深拷贝。
func CloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}
	clone := *task
	if task.Result != nil {
		result := *task.Result
		clone.Result = &result
	}
	clone.Metadata = cloneMetadata(task.Metadata)
	return &clone
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}
