package swarm

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	xerrors "X402-Agent/internal/errors"
	"X402-Agent/internal/payments"
	"X402-Agent/internal/tools"
	"X402-Agent/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Member 是蜂群成员需要具备的能力，agent.Agent 实现了该接口。
type Member interface {
	ID() string
	Run(ctx context.Context, prompt string) (string, error)
	Wallet() payments.Wallet
	UseWallet(w payments.Wallet)
	Deliver(from, body string)
	ClearMailbox() int
	Tools() *tools.Registry
}

// Config 控制蜂群的容量、钱包模式与恢复策略。
type Config struct {
	ID            string     `json:"id"`
	SharedWallet  bool       `json:"shared_wallet"`
	CostSplitting CostMethod `json:"cost_splitting"`
	MaxAgents     int        `json:"max_agents"`
	// MaxRetries 是协作失败后的额外重试次数，默认 2。
	MaxRetries int `json:"max_retries"`
	// 余额低于 RecoveryFloor 的成员在恢复时从余额高于 DonorFloor 的成员获得 RecoveryTopUp。
	RecoveryFloor decimal.Decimal `json:"recovery_floor"`
	DonorFloor    decimal.Decimal `json:"donor_floor"`
	RecoveryTopUp decimal.Decimal `json:"recovery_top_up"`
}

func (c Config) withDefaults() Config {
	if c.ID == "" {
		c.ID = "swarm_" + uuid.NewString()
	}
	if c.CostSplitting == "" {
		c.CostSplitting = MethodEqual
	}
	if c.MaxAgents <= 0 {
		c.MaxAgents = 10
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if !c.RecoveryFloor.IsPositive() {
		c.RecoveryFloor = decimal.RequireFromString("0.01")
	}
	if !c.DonorFloor.IsPositive() {
		c.DonorFloor = decimal.NewFromInt(1)
	}
	if !c.RecoveryTopUp.IsPositive() {
		c.RecoveryTopUp = decimal.RequireFromString("0.1")
	}
	return c
}

// MemberInfo 是 List 返回的成员概要。
type MemberInfo struct {
	AgentID         string          `json:"agent_id"`
	WalletAddress   string          `json:"wallet_address"`
	Balance         string          `json:"balance,omitempty"`
	BalanceError    string          `json:"balance_error,omitempty"`
	Spending        decimal.Decimal `json:"spending"`
	ToolsRegistered int             `json:"tools_registered"`
}

// Swarm 管理成员、消息、花费记录与资金划转。
type Swarm struct {
	cfg Config
	log *slog.Logger

	mu       sync.RWMutex
	members  []Member
	index    map[string]Member
	shared   payments.Wallet
	spending map[string]decimal.Decimal
	detailed map[string]map[string]decimal.Decimal

	// transferMu 串行化共享钱包上的划转。
	transferMu sync.Mutex
}

// New 创建蜂群。
func New(cfg Config) *Swarm {
	cfg = cfg.withDefaults()
	return &Swarm{
		cfg:      cfg,
		log:      logger.Named("swarm").With("swarm_id", cfg.ID),
		index:    make(map[string]Member),
		spending: make(map[string]decimal.Decimal),
		detailed: make(map[string]map[string]decimal.Decimal),
	}
}

// ID 返回蜂群标识。
func (s *Swarm) ID() string { return s.cfg.ID }

// Config 返回生效的配置。
func (s *Swarm) Config() Config { return s.cfg }

// SharedWallet 返回共享钱包，未启用或尚无成员时为 nil。
func (s *Swarm) SharedWallet() payments.Wallet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shared
}

// Add 加入成员。容量已满或 ID 重复时返回 CAPACITY_ERROR。
// 共享钱包模式下第一个成员的钱包成为共享钱包，之后加入的成员改用该钱包。
func (s *Swarm) Add(m Member) error {
	if m == nil || strings.TrimSpace(m.ID()) == "" {
		return xerrors.New(xerrors.CodeInvalidInput, "agent id is required")
	}
	id := m.ID()

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.members) >= s.cfg.MaxAgents {
		return xerrors.New(xerrors.CodeCapacity,
			"swarm at maximum capacity ("+strconv.Itoa(s.cfg.MaxAgents)+")",
			xerrors.WithMetadata("agent_id", id))
	}
	if _, ok := s.index[id]; ok {
		return xerrors.New(xerrors.CodeCapacity, "agent "+id+" already in swarm",
			xerrors.WithMetadata("agent_id", id))
	}

	if s.cfg.SharedWallet {
		if s.shared == nil {
			s.shared = m.Wallet()
		} else {
			m.UseWallet(s.shared)
		}
	}
	s.members = append(s.members, m)
	s.index[id] = m
	s.spending[id] = decimal.Zero
	s.log.Info("agent joined", "agent_id", id, "members", len(s.members), "shared_wallet", s.cfg.SharedWallet)
	return nil
}

// Remove 移除成员并清除其花费记录。
func (s *Swarm) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[id]; !ok {
		return false
	}
	delete(s.index, id)
	delete(s.spending, id)
	delete(s.detailed, id)
	for i, m := range s.members {
		if m.ID() == id {
			s.members = append(s.members[:i], s.members[i+1:]...)
			break
		}
	}
	s.log.Info("agent left", "agent_id", id, "members", len(s.members))
	return true
}

// Get 按 ID 查找成员。
func (s *Swarm) Get(id string) (Member, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.index[id]
	return m, ok
}

// Size 返回成员数量。
func (s *Swarm) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members)
}

// Discover 返回 ID 包含 query（不区分大小写）的成员，按 ID 排序；query 为空时返回全部。
func (s *Swarm) Discover(query string) []string {
	query = strings.ToLower(strings.TrimSpace(query))
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.members))
	for _, m := range s.members {
		if query == "" || strings.Contains(strings.ToLower(m.ID()), query) {
			out = append(out, m.ID())
		}
	}
	sort.Strings(out)
	return out
}

// List 返回成员概要，余额为实时查询结果。
func (s *Swarm) List(ctx context.Context) []MemberInfo {
	members := s.snapshot()
	out := make([]MemberInfo, 0, len(members))
	for _, m := range members {
		info := MemberInfo{
			AgentID:         m.ID(),
			WalletAddress:   m.Wallet().Address(),
			Spending:        s.Spending(m.ID()),
			ToolsRegistered: len(m.Tools().List()),
		}
		if balance, err := m.Wallet().Balance(ctx); err != nil {
			info.BalanceError = err.Error()
		} else {
			info.Balance = balance.String()
		}
		out = append(out, info)
	}
	return out
}

// Send 向成员投递消息，发送方与接收方都必须在蜂群中。
func (s *Swarm) Send(from, to, body string) error {
	s.mu.RLock()
	_, okFrom := s.index[from]
	recipient, okTo := s.index[to]
	s.mu.RUnlock()
	if !okFrom {
		return xerrors.New(xerrors.CodeNotFound, "sender agent "+from+" not in swarm")
	}
	if !okTo {
		return xerrors.New(xerrors.CodeNotFound, "recipient agent "+to+" not in swarm")
	}
	recipient.Deliver(from, body)
	return nil
}

// Broadcast 向除发送方外的所有成员投递消息，返回送达数量。单个成员投递失败不影响其他成员。
func (s *Swarm) Broadcast(from, body string) (int, error) {
	if _, ok := s.Get(from); !ok {
		return 0, xerrors.New(xerrors.CodeNotFound, "sender agent "+from+" not in swarm")
	}
	delivered := 0
	for _, m := range s.snapshot() {
		if m.ID() == from {
			continue
		}
		if err := s.Send(from, m.ID(), body); err != nil {
			s.log.Warn("broadcast delivery failed", "to", m.ID(), "error", err)
			continue
		}
		delivered++
	}
	return delivered, nil
}

// Balance 返回蜂群总余额。共享钱包只计算一次。
func (s *Swarm) Balance(ctx context.Context) (decimal.Decimal, error) {
	if shared := s.SharedWallet(); shared != nil {
		return shared.Balance(ctx)
	}
	total := decimal.Zero
	for _, m := range s.snapshot() {
		balance, err := m.Wallet().Balance(ctx)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(balance)
	}
	return total, nil
}

// snapshot 按加入顺序返回成员副本。
func (s *Swarm) snapshot() []Member {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Member, len(s.members))
	copy(out, s.members)
	return out
}
