package main

import (
	"context"
	stdErrors "errors"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"X402-Agent/internal/agent"
	"X402-Agent/internal/api"
	"X402-Agent/internal/auth"
	"X402-Agent/internal/config"
	xerrors "X402-Agent/internal/errors"
	"X402-Agent/internal/llm"
	"X402-Agent/internal/llm/openai"
	"X402-Agent/internal/observability/alerting"
	"X402-Agent/internal/payments"
	"X402-Agent/internal/storage/mysql"
	"X402-Agent/internal/swarm"
	"X402-Agent/internal/task"
	"X402-Agent/internal/tools"
	"X402-Agent/internal/wallet"
	"X402-Agent/internal/web3"
	"X402-Agent/internal/web3/provider"
	"X402-Agent/pkg/logger"
)

// main 是 x402 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("x402d 运行失败: %v", err)
	}
}

// stores 汇总按存储驱动选择的后端。
type stores struct {
	payments payments.AuditStore
	tools    tools.Store
	jobs     task.Store
	close    func() error
}

func run(ctx context.Context) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	lg := logger.Named("x402d")

	backends, err := openStores(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer func() { _ = backends.close() }()

	alerts := buildAlerts(cfg.Alerting)

	authSvc, err := auth.NewService(cfg.Auth)
	if err != nil {
		return err
	}

	llmClient, err := createLLMClient(cfg)
	if err != nil {
		return err
	}

	chains, err := provider.NewRegistry(cfg.Chains.Path)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "加载链配置失败")
	}

	registry := tools.NewRegistry(ctx, backends.tools)
	if cfg.Tools.Catalog != "" {
		catalog, err := tools.LoadCatalog(cfg.Tools.Catalog)
		if err != nil {
			return err
		}
		lg.Info("tool catalog seeded", "added", registry.Seed(ctx, catalog), "path", cfg.Tools.Catalog)
	}

	sw, err := buildSwarm(cfg.Swarm)
	if err != nil {
		return err
	}

	processors := make(map[string]api.PaymentService, len(cfg.Agents))
	callers := make(map[string]api.ToolCaller, len(cfg.Agents))
	settlers := make(map[string]*payments.Processor, len(cfg.Agents))
	for _, ac := range cfg.Agents {
		network, err := web3.ParseNetwork(ac.Network)
		if err != nil {
			return err
		}
		key, err := ac.PrivateKey()
		if err != nil {
			return err
		}
		w, err := wallet.New(ctx, chains, network, key)
		if err != nil {
			return err
		}
		defer w.Close()

		agentID := strings.TrimSpace(ac.ID)
		if agentID == "" {
			agentID = uuid.NewString()
		}
		proc := payments.NewProcessor(w, backends.payments, payments.Config{
			DeferredThreshold: cfg.Payments.DeferredThreshold,
			ReplayRetries:     cfg.Payments.ReplayRetries,
			ReplayBackoff:     cfg.Payments.ReplayBackoff.Std(),
			ConfirmDelay:      cfg.Payments.ConfirmDelay.Std(),
		},
			payments.WithAlerts(alerts),
			payments.WithAgentID(agentID),
			payments.WithSpendingHook(func(id, tool string, amount decimal.Decimal) {
				if err := sw.RecordSpending(id, amount, tool); err != nil {
					lg.Warn("工具支出未计入蜂群", "agent_id", id, "tool", tool, "error", err)
				}
			}),
		)

		ag, err := agent.New(llmClient, proc, registry, agent.WithID(agentID), agent.WithLLMTimeout(cfg.LLM.Timeout.Std()))
		if err != nil {
			return err
		}
		if err := sw.Add(ag); err != nil {
			return err
		}
		processors[ag.ID()] = proc
		callers[ag.ID()] = ag
		settlers[ag.ID()] = proc
		lg.Info("agent ready", "agent_id", ag.ID(), "network", network, "address", w.Address())
	}

	queue, err := openQueue(ctx, cfg.Queue)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			lg.Warn("关闭任务队列失败", "error", err)
		}
	}()

	service := task.NewService(backends.jobs, queue, cfg.Queue.MaxRetries)
	processor := task.NewProcessor(task.NewSwarmExecutor(sw, -1), backends.jobs, queue, queue,
		task.WithWorkerCount(cfg.Queue.Workers),
		task.WithProcessorLogger(logger.Named("collaborations")),
		task.WithAlertDispatcher(alerts),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	go func() {
		if err := processor.Start(processorCtx); err != nil && !stdErrors.Is(err, context.Canceled) {
			lg.Error("任务处理器异常退出", "error", err)
		}
	}()

	server := api.NewServer(cfg.Server.Address, api.Dependencies{
		Collaborations: service,
		Payments:       processors,
		Agents:         callers,
		Tools:          registry,
		Swarm:          sw,
	},
		api.WithAllowedOrigins(cfg.Server.AllowedOrigins...),
		api.WithShutdownTimeout(cfg.Server.ShutdownTimeout.Std()),
		api.WithAuth(authSvc),
	)
	if err := server.Start(ctx); err != nil && !stdErrors.Is(err, context.Canceled) {
		return err
	}

	settleDeferred(settlers, cfg.Server.ShutdownTimeout.Std())
	return nil
}

// settleDeferred 在退出前结算仍在延迟队列中的付款。
func settleDeferred(settlers map[string]*payments.Processor, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	lg := logger.Named("x402d")
	for id, proc := range settlers {
		if proc.PendingCount() == 0 {
			continue
		}
		if ok, err := proc.ForceFlush(ctx); !ok {
			lg.Warn("deferred payments left unsettled on shutdown", "agent_id", id, "pending", proc.PendingCount(), "error", err)
		}
	}
}

func openStores(ctx context.Context, cfg config.StorageConfig) (*stores, error) {
	switch cfg.Driver {
	case "", "memory":
		return &stores{
			payments: payments.NewMemoryStore(),
			tools:    tools.NewMemoryStore(),
			jobs:     task.NewMemoryStore(),
			close:    func() error { return nil },
		}, nil
	case "mysql":
		db, err := mysql.Open(ctx, cfg.MySQL)
		if err != nil {
			return nil, err
		}
		return &stores{
			payments: db.Payments(),
			tools:    db.Tools(),
			jobs:     db.Jobs(),
			close:    db.Close,
		}, nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidInput, "未知的存储驱动: "+cfg.Driver)
	}
}

func openQueue(ctx context.Context, cfg config.QueueConfig) (task.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return task.NewMemoryQueue(cfg.Size), nil
	case "redis":
		return task.NewRedisQueue(ctx, cfg.Redis)
	case "rabbitmq":
		return task.NewRabbitMQQueue(cfg.RabbitMQ)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidInput, "未知的队列驱动: "+cfg.Driver)
	}
}

func buildAlerts(cfg config.AlertingConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.WebhookURL})
	}
	if cfg.SlackURL != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{WebhookURL: cfg.SlackURL})
	}
	return alerting.NewFanout(notifiers...)
}

func buildSwarm(cfg config.SwarmConfig) (*swarm.Swarm, error) {
	amounts := make([]decimal.Decimal, 3)
	for i, raw := range []string{cfg.RecoveryFloor, cfg.DonorFloor, cfg.RecoveryTopUp} {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidInput, err, "蜂群金额配置无效", xerrors.WithMetadata("value", raw))
		}
		amounts[i] = v
	}
	return swarm.New(swarm.Config{
		ID:            cfg.ID,
		SharedWallet:  cfg.SharedWallet,
		CostSplitting: swarm.CostMethod(cfg.CostSplitting),
		MaxAgents:     cfg.MaxAgents,
		MaxRetries:    cfg.MaxRetries,
		RecoveryFloor: amounts[0],
		DonorFloor:    amounts[1],
		RecoveryTopUp: amounts[2],
	}), nil
}

func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "", "openai":
		client, err := openai.NewClient(cfg.LLM.OpenAI)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidInput, "未知的大模型 provider: "+cfg.LLM.Provider)
	}
}
