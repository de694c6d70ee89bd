package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	xerrors "X402-Agent/internal/errors"
	"X402-Agent/internal/observability/metrics"
	"X402-Agent/pkg/logger"
)

// Strategy 描述任务在成员间的分配方式。
type Strategy string

const (
	StrategyParallel   Strategy = "parallel"
	StrategySequential Strategy = "sequential"
	StrategyDivide     Strategy = "divide"
)

const (
	errorPrefix  = "ERROR: "
	noSubtask    = "No subtask assigned"
	dividePrefix = "Work on this part of the task: "
)

// ParseStrategy 解析策略名称，忽略大小写；空字符串视为 parallel。
func ParseStrategy(name string) (Strategy, error) {
	switch strategy := Strategy(strings.ToLower(strings.TrimSpace(name))); strategy {
	case "":
		return StrategyParallel, nil
	case StrategyParallel, StrategySequential, StrategyDivide:
		return strategy, nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidInput, "unknown distribution strategy: "+name)
	}
}

// Result 是单个成员的协作结果。
type Result struct {
	AgentID string `json:"agent_id"`
	Output  string `json:"output"`
	Failed  bool   `json:"failed"`
}

// Outcome 汇总一次协作。
type Outcome struct {
	SwarmID    string   `json:"swarm_id"`
	Strategy   Strategy `json:"strategy"`
	Results    []Result `json:"results"`
	Successful int      `json:"successful"`
	Members    int      `json:"members"`
	Report     string   `json:"report"`
	// Exhausted 表示重试与恢复后仍没有成员成功。
	Exhausted bool `json:"exhausted"`
}

// Collaborate 按 strategy 让成员处理 task，单个成员失败以 "ERROR: <原因>" 记录，不影响其他成员。
func (s *Swarm) Collaborate(ctx context.Context, task string, strategy Strategy) (*Outcome, error) {
	if strings.TrimSpace(task) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidInput, "task must not be empty")
	}
	if strategy == "" {
		strategy = StrategyParallel
	}
	members := s.snapshot()
	if len(members) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidInput, "no agents in swarm for collaboration")
	}

	var results []Result
	switch strategy {
	case StrategyParallel:
		results = runParallel(ctx, members, task)
	case StrategySequential:
		results = runSequential(ctx, members, task)
	case StrategyDivide:
		results = runDivided(ctx, members, task)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidInput, "unknown distribution strategy: "+string(strategy))
	}

	out := &Outcome{SwarmID: s.cfg.ID, Strategy: strategy, Results: results, Members: len(members)}
	for _, r := range results {
		if !r.Failed {
			out.Successful++
		}
	}
	out.Report = aggregate(s.cfg.ID, results, len(members))

	status := "success"
	switch {
	case out.Successful == 0:
		status = "failed"
	case out.Successful < len(results):
		status = "partial"
	}
	metrics.ObserveCollaboration(string(strategy), status)
	s.log.Info("collaboration finished", "strategy", strategy, "successful", out.Successful, "members", out.Members)
	return out, nil
}

// CollaborateWithRecovery 在没有任何成员成功时执行恢复并重试，最多 maxRetries 次；
// maxRetries 小于 0 时使用配置值。全部失败时返回 COLLABORATION FAILED 报告。
func (s *Swarm) CollaborateWithRecovery(ctx context.Context, task string, strategy Strategy, maxRetries int) (*Outcome, error) {
	if maxRetries < 0 {
		maxRetries = s.cfg.MaxRetries
	}
	var (
		last    *Outcome
		lastErr string
	)
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "collaboration cancelled")
		}
		outcome, err := s.Collaborate(ctx, task, strategy)
		switch {
		case err != nil:
			lastErr = err.Error()
		case outcome.Successful > 0:
			return outcome, nil
		default:
			last = outcome
			lastErr = firstFailure(outcome.Results)
		}
		if attempt < maxRetries {
			s.log.Warn("collaboration failed, attempting recovery", "attempt", attempt+1, "error", lastErr)
			s.attemptRecovery(ctx)
		}
	}

	report := fmt.Sprintf("COLLABORATION FAILED\n=== RECOVERY ATTEMPTED ===\nFailed after %d attempts.", maxRetries+1)
	if lastErr != "" {
		report += "\nLast error: " + lastErr
	}
	out := &Outcome{SwarmID: s.cfg.ID, Strategy: strategy, Members: s.Size(), Report: report, Exhausted: true}
	if last != nil {
		out.Results = last.Results
	}
	metrics.ObserveCollaboration(string(strategy), "exhausted")
	logger.Audit().Warn("collaboration exhausted",
		slog.String("swarm_id", s.cfg.ID),
		slog.String("strategy", string(strategy)),
		slog.Int("attempts", maxRetries+1),
	)
	return out, nil
}

// attemptRecovery 为低余额成员从第一个富余成员补充资金，并清空所有收件箱。划转失败不中断恢复。
func (s *Swarm) attemptRecovery(ctx context.Context) {
	members := s.snapshot()
	var low, high []string
	for _, m := range members {
		balance, err := m.Wallet().Balance(ctx)
		if err != nil {
			s.log.Warn("balance unavailable during recovery", "agent_id", m.ID(), "error", err)
			continue
		}
		switch {
		case balance.LessThan(s.cfg.RecoveryFloor):
			low = append(low, m.ID())
		case balance.GreaterThan(s.cfg.DonorFloor):
			high = append(high, m.ID())
		}
	}
	if len(high) > 0 {
		for _, id := range low {
			if _, err := s.Transfer(ctx, high[0], id, s.cfg.RecoveryTopUp); err != nil {
				s.log.Warn("recovery top-up failed", "from", high[0], "to", id, "error", err)
			}
		}
	}
	for _, m := range members {
		m.ClearMailbox()
	}
}

func runParallel(ctx context.Context, members []Member, task string) []Result {
	results := make([]Result, len(members))
	var wg sync.WaitGroup
	for i, m := range members {
		wg.Add(1)
		go func(i int, m Member) {
			defer wg.Done()
			results[i] = run(ctx, m, task)
		}(i, m)
	}
	wg.Wait()
	return results
}

func runSequential(ctx context.Context, members []Member, task string) []Result {
	results := make([]Result, 0, len(members))
	current := task
	for _, m := range members {
		r := run(ctx, m, current+"\n\nPrevious results: "+formatPrevious(results))
		results = append(results, r)
		if !r.Failed {
			current = task + "\n\nBuilding on: " + r.Output
		}
	}
	return results
}

func runDivided(ctx context.Context, members []Member, task string) []Result {
	parts := divideTask(task, len(members))
	results := make([]Result, len(members))
	for i, m := range members {
		if i >= len(parts) {
			results[i] = Result{AgentID: m.ID(), Output: noSubtask}
			continue
		}
		results[i] = run(ctx, m, dividePrefix+parts[i])
	}
	return results
}

func run(ctx context.Context, m Member, prompt string) Result {
	out, err := m.Run(ctx, prompt)
	if err != nil {
		return Result{AgentID: m.ID(), Output: errorPrefix + err.Error(), Failed: true}
	}
	return Result{AgentID: m.ID(), Output: out}
}

// divideTask 按 ". " 切分句子并分成 n 段连续的部分，余下的句子并入最后一段。
// 句子数不超过 n 时每句一段。
func divideTask(task string, n int) []string {
	sentences := strings.Split(task, ". ")
	if len(sentences) <= n {
		return sentences
	}
	size := len(sentences) / n
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		end := (i + 1) * size
		if i == n-1 {
			end = len(sentences)
		}
		part := strings.Join(sentences[i*size:end], ". ")
		if part != "" && !strings.HasSuffix(part, ".") {
			part += "."
		}
		parts = append(parts, part)
	}
	return parts
}

func firstFailure(results []Result) string {
	for _, r := range results {
		if r.Failed {
			return strings.TrimPrefix(r.Output, errorPrefix)
		}
	}
	return ""
}

func formatPrevious(results []Result) string {
	if len(results) == 0 {
		return "none"
	}
	entries := make([]string, 0, len(results))
	for _, r := range results {
		entries = append(entries, r.AgentID+": "+r.Output)
	}
	return strings.Join(entries, "; ")
}

// aggregate 生成协作报告：逐个成员的结果、失败成员的错误摘要以及成功数量。
func aggregate(swarmID string, results []Result, members int) string {
	if len(results) == 0 {
		return "No results from collaboration"
	}
	var (
		b          strings.Builder
		failed     []Result
		successful int
	)
	b.WriteString("=== SWARM COLLABORATION RESULTS ===\n\n")
	for _, r := range results {
		fmt.Fprintf(&b, "Agent %s:\n%s\n\n", r.AgentID, r.Output)
		if r.Failed {
			failed = append(failed, r)
		} else {
			successful++
		}
	}
	if len(failed) > 0 {
		b.WriteString("=== ERRORS ===\n")
		for _, r := range failed {
			fmt.Fprintf(&b, "%s: %s\n", r.AgentID, strings.TrimPrefix(r.Output, errorPrefix))
		}
	}
	b.WriteString("\n=== SUMMARY ===\n")
	fmt.Fprintf(&b, "Successful agents: %d/%d\n", successful, members)
	fmt.Fprintf(&b, "Swarm ID: %s\n", swarmID)
	return b.String()
}
