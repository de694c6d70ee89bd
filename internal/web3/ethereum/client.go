package ethereum

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"X402-Agent/internal/retry"
	"X402-Agent/internal/web3"
	"X402-Agent/pkg/logger"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"
)

const (
	// BaseChainID is the chain id of Base mainnet.
	BaseChainID int64 = 8453
	// BaseUSDC is the USDC contract deployed on Base mainnet.
	BaseUSDC = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"

	fallbackGasLimit uint64 = 100_000
	feeAttempts             = 3
	defaultConfirm          = 120 * time.Second
	defaultPoll             = 2 * time.Second
)

var fallbackGasPrice = big.NewInt(20_000_000_000)

const erc20ABI = `[
 {"constant":false,"inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
 {"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"type":"function"}
]`

var usdcABI = mustParseABI(erc20ABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("parse erc20 abi: %v", err))
	}
	return parsed
}

// Backend is the subset of ethclient.Client the provider relies on.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// BatchCaller broadcasts several JSON-RPC calls in one round trip.
type BatchCaller interface {
	BatchCallContext(ctx context.Context, b []gethrpc.BatchElem) error
}

// Config describes how to construct a provider for an EVM compatible chain.
type Config struct {
	RPCURL         string
	BatchRPCURL    string
	ChainID        int64
	USDC           string
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	Sleep          retry.SleepFunc
}

func (c Config) withDefaults() Config {
	if c.ChainID == 0 {
		c.ChainID = BaseChainID
	}
	if strings.TrimSpace(c.USDC) == "" {
		c.USDC = BaseUSDC
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = defaultConfirm
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPoll
	}
	if c.Sleep == nil {
		c.Sleep = retry.Sleep
	}
	return c
}

// Provider implements web3.Provider for USDC on an EVM chain.
type Provider struct {
	backend   Backend
	batch     BatchCaller
	rpcClient *gethrpc.Client
	batchRPC  *gethrpc.Client
	token     common.Address
	chainID   *big.Int
	confirm   time.Duration
	poll      time.Duration
	sleep     retry.SleepFunc
	log       *slog.Logger

	// nonceMu serialises nonce allocation for sends from the same process.
	nonceMu sync.Mutex
	closeMu sync.Mutex
}

var _ web3.Provider = (*Provider)(nil)

// NewProvider dials the configured RPC endpoints and returns a ready-to-use
// provider.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置 EVM RPC 地址")
	}
	cfg = cfg.withDefaults()
	if !common.IsHexAddress(cfg.USDC) {
		return nil, fmt.Errorf("USDC 合约地址无效: %s", cfg.USDC)
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, web3.NewError(web3.KindNetwork, "dial", fmt.Errorf("连接 EVM 节点失败: %w", err))
	}

	p := NewWithBackend(ethclient.NewClient(rpcClient), nil, cfg)
	p.rpcClient = rpcClient

	if batchURL := strings.TrimSpace(cfg.BatchRPCURL); batchURL != "" {
		batchRPC := rpcClient
		if batchURL != rpcURL {
			batchRPC, err = gethrpc.DialContext(ctx, batchURL)
			if err != nil {
				rpcClient.Close()
				return nil, web3.NewError(web3.KindNetwork, "dial", fmt.Errorf("连接批量交易节点失败: %w", err))
			}
		}
		p.batchRPC = batchRPC
		p.batch = batchRPC
	}
	return p, nil
}

// NewWithBackend wraps an existing backend. batch may be nil, in which case
// batches are sent one transaction at a time.
func NewWithBackend(backend Backend, batch BatchCaller, cfg Config) *Provider {
	cfg = cfg.withDefaults()
	return &Provider{
		backend: backend,
		batch:   batch,
		token:   common.HexToAddress(cfg.USDC),
		chainID: big.NewInt(cfg.ChainID),
		confirm: cfg.ConfirmTimeout,
		poll:    cfg.PollInterval,
		sleep:   cfg.Sleep,
		log:     logger.Named("web3.evm"),
	}
}

// Network reports the network served by the provider.
func (p *Provider) Network() web3.Network { return web3.NetworkBase }

// Close releases network connections held by the provider.
func (p *Provider) Close() {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()

	if p.batchRPC != nil && p.batchRPC != p.rpcClient {
		p.batchRPC.Close()
	}
	if p.rpcClient != nil {
		p.rpcClient.Close()
	}
	p.rpcClient = nil
	p.batchRPC = nil
}

// ValidateAddress checks the 0x-prefixed hex form of an account address.
func (p *Provider) ValidateAddress(address string) error {
	address = strings.TrimSpace(address)
	if !strings.HasPrefix(address, "0x") || !common.IsHexAddress(address) {
		return fmt.Errorf("invalid EVM address %q", address)
	}
	return nil
}

// DeriveAddress returns the checksummed address controlled by key.
func (p *Provider) DeriveAddress(key string) (string, error) {
	priv, err := parseKey(key)
	if err != nil {
		return "", err
	}
	return crypto.PubkeyToAddress(priv.PublicKey).Hex(), nil
}

// GetBalance returns the USDC balance held by address.
func (p *Provider) GetBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	if err := p.ValidateAddress(address); err != nil {
		return decimal.Zero, web3.NewError(web3.KindOther, "balance", err)
	}
	data, err := usdcABI.Pack("balanceOf", common.HexToAddress(address))
	if err != nil {
		return decimal.Zero, web3.NewError(web3.KindOther, "balance", err)
	}
	out, err := p.backend.CallContract(ctx, gethcore.CallMsg{To: &p.token, Data: data}, nil)
	if err != nil {
		return decimal.Zero, web3.NewError(web3.KindNetwork, "balance", fmt.Errorf("查询 USDC 余额失败: %w", err))
	}
	values, err := usdcABI.Unpack("balanceOf", out)
	if err != nil || len(values) != 1 {
		return decimal.Zero, web3.NewError(web3.KindOther, "balance", fmt.Errorf("解析余额返回值失败: %v", err))
	}
	units, ok := values[0].(*big.Int)
	if !ok {
		return decimal.Zero, web3.NewError(web3.KindOther, "balance", fmt.Errorf("unexpected balance type %T", values[0]))
	}
	return web3.FromBaseUnits(decimal.NewFromBigInt(units, 0)), nil
}

// SendPayment transfers amount USDC to recipient and waits for the receipt.
// A receipt that does not arrive in time still yields the hash because the
// transaction may land later.
func (p *Provider) SendPayment(ctx context.Context, key, recipient string, amount decimal.Decimal) (string, error) {
	priv, err := parseKey(key)
	if err != nil {
		return "", web3.NewError(web3.KindOther, "send", err)
	}
	if err := p.ValidateAddress(recipient); err != nil {
		return "", web3.NewError(web3.KindOther, "send", err)
	}

	p.nonceMu.Lock()
	from := crypto.PubkeyToAddress(priv.PublicKey)
	nonce, err := p.backend.PendingNonceAt(ctx, from)
	if err != nil {
		p.nonceMu.Unlock()
		return "", web3.NewError(web3.KindNetwork, "send", fmt.Errorf("查询 nonce 失败: %w", err))
	}
	tx, err := p.signTransfer(ctx, priv, nonce, recipient, amount)
	if err != nil {
		p.nonceMu.Unlock()
		return "", web3.NewError(classify(err), "send", err)
	}
	err = p.backend.SendTransaction(ctx, tx)
	p.nonceMu.Unlock()
	if err != nil {
		return "", web3.NewError(classify(err), "send", fmt.Errorf("广播交易失败: %w", err))
	}

	if _, err := p.waitReceipt(ctx, tx.Hash()); err != nil {
		return "", err
	}
	return tx.Hash().Hex(), nil
}

// BatchPayments sends every transfer with consecutive nonces. When a batch
// endpoint is configured all raw transactions go out in a single JSON-RPC
// batch; otherwise they are sent one by one and the nonce is re-read after a
// rejected send so later legs do not queue behind a gap. The nonce lock is
// released before receipts are awaited. A leg whose receipt does not arrive
// in time is reported as unconfirmed.
func (p *Provider) BatchPayments(ctx context.Context, key string, transfers []web3.Transfer) ([]string, error) {
	priv, err := parseKey(key)
	if err != nil {
		return nil, web3.NewError(web3.KindOther, "batch", err)
	}
	if len(transfers) == 0 {
		return []string{}, nil
	}

	results := make([]string, len(transfers))
	signed, err := p.submitBatch(ctx, priv, transfers, results)
	if err != nil {
		return nil, err
	}

	for i, tx := range signed {
		if tx == nil || web3.IsFailureMarker(results[i]) {
			continue
		}
		confirmed, err := p.waitReceipt(ctx, tx.Hash())
		switch {
		case err != nil:
			results[i] = web3.FailureMarker(err.Error())
		case !confirmed:
			results[i] = web3.FailureMarker("unconfirmed: " + tx.Hash().Hex())
		}
	}
	return results, nil
}

// submitBatch signs and broadcasts the transfers while holding the nonce
// lock. Legs that could not be sent are marked in results and have no entry
// in the returned slice.
func (p *Provider) submitBatch(ctx context.Context, priv *ecdsa.PrivateKey, transfers []web3.Transfer, results []string) ([]*coretypes.Transaction, error) {
	p.nonceMu.Lock()
	defer p.nonceMu.Unlock()

	from := crypto.PubkeyToAddress(priv.PublicKey)
	nonce, err := p.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, web3.NewError(web3.KindNetwork, "batch", fmt.Errorf("查询 nonce 失败: %w", err))
	}

	signed := make([]*coretypes.Transaction, len(transfers))
	sign := func(i int) bool {
		transfer := transfers[i]
		if err := p.ValidateAddress(transfer.Recipient); err != nil {
			results[i] = web3.FailureMarker(err.Error())
			return false
		}
		tx, err := p.signTransfer(ctx, priv, nonce, transfer.Recipient, transfer.Amount)
		if err != nil {
			results[i] = web3.FailureMarker(err.Error())
			return false
		}
		signed[i] = tx
		nonce++
		return true
	}

	if p.batch != nil {
		for i := range transfers {
			sign(i)
		}
		if err := p.broadcastBatch(ctx, signed, results); err != nil {
			return nil, err
		}
		return signed, nil
	}

	for i := range transfers {
		if !sign(i) {
			continue
		}
		tx := signed[i]
		if err := p.backend.SendTransaction(ctx, tx); err != nil {
			results[i] = web3.FailureMarker(err.Error())
			signed[i] = nil
			resynced, nonceErr := p.backend.PendingNonceAt(ctx, from)
			if nonceErr != nil {
				// 无法确认 nonce 时停止发送，剩余条目交给调用方重试
				p.log.Warn("nonce resync failed, abandoning remaining legs", "error", nonceErr)
				for j := i + 1; j < len(transfers); j++ {
					results[j] = web3.FailureMarker("not sent: nonce resync failed")
				}
				return signed, nil
			}
			nonce = resynced
			continue
		}
		results[i] = tx.Hash().Hex()
	}
	return signed, nil
}

func (p *Provider) broadcastBatch(ctx context.Context, signed []*coretypes.Transaction, results []string) error {
	elems := make([]gethrpc.BatchElem, 0, len(signed))
	index := make([]int, 0, len(signed))
	hashes := make([]common.Hash, len(signed))
	for i, tx := range signed {
		if tx == nil {
			continue
		}
		raw, err := tx.MarshalBinary()
		if err != nil {
			results[i] = web3.FailureMarker(fmt.Sprintf("序列化交易失败: %v", err))
			continue
		}
		elems = append(elems, gethrpc.BatchElem{
			Method: "eth_sendRawTransaction",
			Args:   []any{"0x" + hex.EncodeToString(raw)},
			Result: &hashes[i],
		})
		index = append(index, i)
	}
	if len(elems) == 0 {
		return nil
	}

	if err := p.batch.BatchCallContext(ctx, elems); err != nil {
		return web3.NewError(web3.KindNetwork, "batch", fmt.Errorf("批量发送交易失败: %w", err))
	}
	for j, elem := range elems {
		i := index[j]
		if elem.Error != nil {
			results[i] = web3.FailureMarker(elem.Error.Error())
			continue
		}
		results[i] = signed[i].Hash().Hex()
	}
	return nil
}

func (p *Provider) signTransfer(ctx context.Context, priv *ecdsa.PrivateKey, nonce uint64, recipient string, amount decimal.Decimal) (*coretypes.Transaction, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("amount must be positive, got %s", amount)
	}
	units := web3.ToBaseUnits(amount)
	if !units.IsPositive() {
		return nil, fmt.Errorf("amount %s is below the USDC resolution", amount)
	}
	data, err := usdcABI.Pack("transfer", common.HexToAddress(recipient), units.BigInt())
	if err != nil {
		return nil, fmt.Errorf("编码 transfer 调用失败: %w", err)
	}

	from := crypto.PubkeyToAddress(priv.PublicKey)
	gasLimit := p.estimateGas(ctx, from, data)
	gasPrice := p.gasPrice(ctx)

	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		To:       &p.token,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	return coretypes.SignTx(tx, coretypes.LatestSignerForChainID(p.chainID), priv)
}

// estimateGas pads the node estimate by 20% and falls back to a fixed limit.
func (p *Provider) estimateGas(ctx context.Context, from common.Address, data []byte) uint64 {
	var estimate uint64
	_, err := retry.Policy{Attempts: feeAttempts, Base: 200 * time.Millisecond, Sleep: p.sleep}.Do(ctx, func(int) error {
		var err error
		estimate, err = p.backend.EstimateGas(ctx, gethcore.CallMsg{From: from, To: &p.token, Data: data})
		return err
	})
	if err != nil || estimate == 0 {
		p.log.Debug("gas estimation failed, using fallback", "error", err, "gas", fallbackGasLimit)
		return fallbackGasLimit
	}
	return estimate * 12 / 10
}

// gasPrice pads the suggested price by 10% and falls back to 20 gwei.
func (p *Provider) gasPrice(ctx context.Context) *big.Int {
	var suggested *big.Int
	_, err := retry.Policy{Attempts: feeAttempts, Base: 200 * time.Millisecond, Sleep: p.sleep}.Do(ctx, func(int) error {
		var err error
		suggested, err = p.backend.SuggestGasPrice(ctx)
		return err
	})
	if err != nil || suggested == nil || suggested.Sign() <= 0 {
		p.log.Debug("gas price lookup failed, using fallback", "error", err)
		return new(big.Int).Set(fallbackGasPrice)
	}
	padded := new(big.Int).Mul(suggested, big.NewInt(11))
	return padded.Div(padded, big.NewInt(10))
}

// waitReceipt polls for the receipt of hash. It reports false without an
// error when the confirmation timeout passes first.
func (p *Provider) waitReceipt(ctx context.Context, hash common.Hash) (bool, error) {
	waitCtx, cancel := context.WithTimeout(ctx, p.confirm)
	defer cancel()

	for {
		receipt, err := p.backend.TransactionReceipt(waitCtx, hash)
		if err == nil && receipt != nil {
			if receipt.Status != coretypes.ReceiptStatusSuccessful {
				return false, web3.NewError(web3.KindRejected, "confirm", fmt.Errorf("transaction %s reverted (status %d)", hash.Hex(), receipt.Status))
			}
			return true, nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) && waitCtx.Err() == nil {
			p.log.Debug("receipt lookup failed", "tx", hash.Hex(), "error", err)
		}
		if sleepErr := p.sleep(waitCtx, p.poll); sleepErr != nil {
			if ctx.Err() != nil {
				return false, web3.NewError(web3.KindNetwork, "confirm", ctx.Err())
			}
			p.log.Warn("transaction receipt timeout, transaction may still succeed", "tx", hash.Hex())
			return false, nil
		}
	}
}

func parseKey(key string) (*ecdsa.PrivateKey, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(key), "0x")
	priv, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid EVM private key: %w", err)
	}
	return priv, nil
}

func classify(err error) web3.ErrorKind {
	if err == nil {
		return web3.KindOther
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return web3.KindNetwork
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"),
		strings.Contains(msg, "exceeds balance"):
		return web3.KindInsufficientFunds
	case strings.Contains(msg, "execution reverted"),
		strings.Contains(msg, "nonce too low"),
		strings.Contains(msg, "replacement transaction underpriced"):
		return web3.KindRejected
	case strings.Contains(msg, "connection"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "eof"),
		strings.Contains(msg, "503"),
		strings.Contains(msg, "502"):
		return web3.KindNetwork
	default:
		return web3.KindOther
	}
}
