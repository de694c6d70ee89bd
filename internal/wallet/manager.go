package wallet

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	xerrors "X402-Agent/internal/errors"
	"X402-Agent/internal/retry"
	"X402-Agent/internal/web3"
	"X402-Agent/pkg/logger"

	"github.com/shopspring/decimal"
)

// ProviderFactory builds providers by network. provider.Registry
// satisfies it.
type ProviderFactory interface {
	New(ctx context.Context, network web3.Network) (web3.Provider, error)
	Networks() []web3.Network
}

// Info 描述当前钱包绑定的网络信息。
type Info struct {
	Network           web3.Network   `json:"network"`
	Address           string         `json:"address"`
	ProviderType      string         `json:"provider_type"`
	SupportedNetworks []web3.Network `json:"supported_networks"`
}

// Option 定义 Manager 的可选配置。
type Option func(*Manager)

// WithRetryPolicy 覆盖余额查询的重试策略。
func WithRetryPolicy(policy retry.Policy) Option {
	return func(m *Manager) {
		m.policy = policy
	}
}

// WithSleep 替换退避等待函数，测试中使用。
func WithSleep(sleep retry.SleepFunc) Option {
	return func(m *Manager) {
		m.policy.Sleep = sleep
	}
}

// Manager 持有私钥与当前网络的提供者，负责余额查询与付款。
type Manager struct {
	mu       sync.RWMutex
	factory  ProviderFactory
	rawKey   string
	key      string
	network  web3.Network
	provider web3.Provider
	address  string

	policy retry.Policy
	log    *slog.Logger
}

// New 创建绑定到指定网络的钱包。
func New(ctx context.Context, factory ProviderFactory, network web3.Network, rawKey string, opts ...Option) (*Manager, error) {
	if factory == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "provider factory is required")
	}
	provider, err := factory.New(ctx, network)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "failed to initialise wallet provider",
			xerrors.WithMetadata("network", string(network)))
	}
	m, err := newManager(provider, rawKey, opts...)
	if err != nil {
		provider.Close()
		return nil, err
	}
	m.factory = factory
	return m, nil
}

// NewWithProvider 使用已有的提供者创建钱包，不支持切换网络。
func NewWithProvider(provider web3.Provider, rawKey string, opts ...Option) (*Manager, error) {
	if provider == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "provider is required")
	}
	return newManager(provider, rawKey, opts...)
}

func newManager(provider web3.Provider, rawKey string, opts ...Option) (*Manager, error) {
	network := provider.Network()
	key, err := ValidateKey(network, rawKey)
	if err != nil {
		return nil, err
	}
	address, err := provider.DeriveAddress(key)
	if err != nil {
		return nil, xerrors.Wrap(CodeInvalidKey, err, "failed to derive wallet address",
			xerrors.WithMetadata("network", string(network)))
	}

	m := &Manager{
		rawKey:   rawKey,
		key:      key,
		network:  network,
		provider: provider,
		address:  address,
		policy:   retry.Policy{Attempts: 3, Base: time.Second},
		log:      logger.Named("wallet"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

type binding struct {
	provider web3.Provider
	key      string
	address  string
	network  web3.Network
}

func (m *Manager) current() binding {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return binding{provider: m.provider, key: m.key, address: m.address, network: m.network}
}

// Address 返回当前网络下的钱包地址。
func (m *Manager) Address() string {
	return m.current().address
}

// Network 返回当前网络。
func (m *Manager) Network() web3.Network {
	return m.current().network
}

// NetworkInfo 返回网络、地址、提供者类型以及支持的网络列表。
func (m *Manager) NetworkInfo() Info {
	b := m.current()
	supported := web3.SupportedNetworks()
	if m.factory != nil {
		if networks := m.factory.Networks(); len(networks) > 0 {
			supported = networks
		}
	}
	return Info{
		Network:           b.network,
		Address:           b.address,
		ProviderType:      b.network.Family(),
		SupportedNetworks: supported,
	}
}

// ValidateRecipient 按当前网络的地址格式校验收款地址。
func (m *Manager) ValidateRecipient(recipient string) error {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return xerrors.New(xerrors.CodeInvalidInput, "recipient address is required")
	}
	b := m.current()
	if err := b.provider.ValidateAddress(recipient); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidInput, err, "invalid recipient address",
			xerrors.WithMetadata("network", string(b.network)))
	}
	return nil
}

// Balance 实时查询余额，失败时按策略重试。
func (m *Manager) Balance(ctx context.Context) (decimal.Decimal, error) {
	return m.balanceOf(ctx, m.current())
}

func (m *Manager) balanceOf(ctx context.Context, b binding) (decimal.Decimal, error) {
	var balance decimal.Decimal
	attempts, err := m.policy.Do(ctx, func(attempt int) error {
		value, err := b.provider.GetBalance(ctx, b.address)
		if err != nil {
			m.log.Debug("balance query failed", "network", b.network, "attempt", attempt, "error", err)
			return err
		}
		balance = value
		return nil
	})
	if err != nil {
		return decimal.Zero, xerrors.Wrap(xerrors.CodeNetwork, err, "failed to query wallet balance",
			xerrors.WithAttempts(attempts, m.policy.Attempts),
			xerrors.WithMetadata("network", string(b.network)))
	}
	return balance, nil
}

// MakePayment 向收款地址支付指定金额并返回交易引用。
// 余额检查与发送之间不加锁，余额可能在两者之间被其他支付消耗。
func (m *Manager) MakePayment(ctx context.Context, amount decimal.Decimal, recipient string) (string, error) {
	if !amount.IsPositive() {
		return "", xerrors.New(CodeInvalidAmount, "payment amount must be positive",
			xerrors.WithMetadata("amount", amount.String()))
	}
	if err := m.ValidateRecipient(recipient); err != nil {
		return "", err
	}
	recipient = strings.TrimSpace(recipient)

	b := m.current()
	balance, err := m.balanceOf(ctx, b)
	if err != nil {
		return "", err
	}
	if balance.LessThan(amount) {
		return "", insufficient(amount, balance)
	}

	ref, err := b.provider.SendPayment(ctx, b.key, recipient, amount)
	if err != nil {
		return "", m.categorize(ctx, b, err, amount)
	}
	m.log.Debug("payment sent", "network", b.network, "recipient", recipient, "amount", amount.String(), "tx_reference", ref)
	return ref, nil
}

// BatchPayments 批量付款。所有条目先完成校验，任何一条无效都不会产生副作用。
// 返回值与输入按位置对应，失败的条目以失败标记表示。
func (m *Manager) BatchPayments(ctx context.Context, transfers []web3.Transfer) ([]string, error) {
	if len(transfers) == 0 {
		return []string{}, nil
	}
	total := decimal.Zero
	normalized := make([]web3.Transfer, len(transfers))
	for i, transfer := range transfers {
		if !transfer.Amount.IsPositive() {
			return nil, xerrors.New(CodeInvalidAmount, "payment amount must be positive",
				xerrors.WithMetadata("index", strconv.Itoa(i)),
				xerrors.WithMetadata("amount", transfer.Amount.String()))
		}
		if err := m.ValidateRecipient(transfer.Recipient); err != nil {
			return nil, err
		}
		normalized[i] = web3.Transfer{Recipient: strings.TrimSpace(transfer.Recipient), Amount: transfer.Amount}
		total = total.Add(transfer.Amount)
	}

	b := m.current()
	balance, err := m.balanceOf(ctx, b)
	if err != nil {
		return nil, err
	}
	if balance.LessThan(total) {
		return nil, insufficient(total, balance)
	}

	// 出错时 results 可能仍含已提交条目的引用，原样交给调用方
	results, err := b.provider.BatchPayments(ctx, b.key, normalized)
	if err != nil {
		return results, m.categorize(ctx, b, err, total)
	}
	return results, nil
}

// SwitchNetwork 切换到新网络。新提供者通过连通性检查后才会原子替换，
// 任何失败都不会影响当前状态。
func (m *Manager) SwitchNetwork(ctx context.Context, name string) error {
	network, err := web3.ParseNetwork(name)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidInput, err, "unsupported network")
	}
	if network == m.Network() {
		return nil
	}
	if m.factory == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "wallet has no provider factory")
	}

	key, err := ValidateKey(network, m.rawKey)
	if err != nil {
		return err
	}
	provider, err := m.factory.New(ctx, network)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "failed to initialise wallet provider",
			xerrors.WithMetadata("network", string(network)))
	}
	address, err := provider.DeriveAddress(key)
	if err != nil {
		provider.Close()
		return xerrors.Wrap(CodeInvalidKey, err, "failed to derive wallet address",
			xerrors.WithMetadata("network", string(network)))
	}
	candidate := binding{provider: provider, key: key, address: address, network: network}
	if _, err := m.balanceOf(ctx, candidate); err != nil {
		provider.Close()
		return err
	}

	m.mu.Lock()
	old := m.provider
	m.provider = provider
	m.key = key
	m.address = address
	m.network = network
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}
	m.log.Info("wallet network switched", "network", network, "address", address)
	return nil
}

// Close 释放底层提供者。
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.provider != nil {
		m.provider.Close()
		m.provider = nil
	}
}

func (m *Manager) categorize(ctx context.Context, b binding, err error, required decimal.Decimal) error {
	switch web3.KindOf(err) {
	case web3.KindInsufficientFunds:
		available, balErr := m.balanceOf(ctx, b)
		if balErr != nil {
			return xerrors.Wrap(xerrors.CodeInsufficientFunds, err, "", xerrors.WithAmounts(required, nil))
		}
		return insufficient(required, available)
	case web3.KindNetwork:
		return xerrors.Wrap(xerrors.CodeNetwork, err, "payment network error",
			xerrors.WithMetadata("network", string(b.network)))
	case web3.KindRejected:
		return xerrors.Wrap(xerrors.CodePaymentFailed, err, "payment transaction rejected",
			xerrors.WithMetadata("network", string(b.network)),
			xerrors.WithMetadata("kind", web3.KindRejected.String()))
	default:
		return xerrors.Wrap(xerrors.CodePaymentFailed, err, "payment failed",
			xerrors.WithMetadata("network", string(b.network)))
	}
}

func insufficient(required, available decimal.Decimal) error {
	short := required.Sub(available)
	return xerrors.New(xerrors.CodeInsufficientFunds,
		"insufficient funds: need "+required.String()+" USDC, have "+available.String()+" USDC (short by "+short.StringFixed(6)+" USDC)",
		xerrors.WithAmounts(required, available))
}
