package solana

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"X402-Agent/internal/retry"
	"X402-Agent/internal/web3"
	"X402-Agent/pkg/logger"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
)

const (
	// MainnetUSDCMint is the USDC mint on Solana mainnet-beta.
	MainnetUSDCMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	// TokenProgramID is the SPL token program.
	TokenProgramID = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"

	batchAttempts  = 3
	batchBackoff   = 2 * time.Second
	defaultConfirm = 60 * time.Second
	defaultPoll    = time.Second
)

// RPC is the JSON-RPC surface the provider needs. *gethrpc.Client satisfies
// it.
type RPC interface {
	CallContext(ctx context.Context, result any, method string, args ...any) error
	Close()
}

// Config describes how to construct a Solana provider.
type Config struct {
	RPCURL         string
	Mint           string
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	Sleep          retry.SleepFunc
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Mint) == "" {
		c.Mint = MainnetUSDCMint
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

// Provider implements web3.Provider for SPL USDC on Solana.
type Provider struct {
	rpc     RPC
	mint    string
	confirm time.Duration
	poll    time.Duration
	sleep   retry.SleepFunc
	log     *slog.Logger
}

var _ web3.Provider = (*Provider)(nil)

// NewProvider dials the Solana JSON-RPC endpoint.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	url := strings.TrimSpace(cfg.RPCURL)
	if url == "" {
		return nil, errors.New("未配置 Solana RPC 地址")
	}
	client, err := gethrpc.DialContext(ctx, url)
	if err != nil {
		return nil, web3.NewError(web3.KindNetwork, "dial", fmt.Errorf("连接 Solana 节点失败: %w", err))
	}
	p, err := NewWithRPC(client, cfg)
	if err != nil {
		client.Close()
		return nil, err
	}
	return p, nil
}

// NewWithRPC wraps an existing JSON-RPC client.
func NewWithRPC(client RPC, cfg Config) (*Provider, error) {
	cfg = cfg.withDefaults()
	if _, err := decodePublicKey(cfg.Mint); err != nil {
		return nil, fmt.Errorf("USDC mint 地址无效: %w", err)
	}
	return &Provider{
		rpc:     client,
		mint:    cfg.Mint,
		confirm: cfg.ConfirmTimeout,
		poll:    cfg.PollInterval,
		sleep:   cfg.Sleep,
		log:     logger.Named("web3.solana"),
	}, nil
}

// Network reports the network served by the provider.
func (p *Provider) Network() web3.Network { return web3.NetworkSolana }

// Close releases the RPC connection.
func (p *Provider) Close() {
	if p.rpc != nil {
		p.rpc.Close()
	}
}

// ValidateAddress checks that address is a base58 encoded 32-byte public key.
func (p *Provider) ValidateAddress(address string) error {
	_, err := decodePublicKey(strings.TrimSpace(address))
	return err
}

// DeriveAddress returns the public key of a base58 encoded 64-byte keypair.
func (p *Provider) DeriveAddress(key string) (string, error) {
	priv, err := decodeKeypair(key)
	if err != nil {
		return "", err
	}
	return base58.Encode(priv.Public().(ed25519.PublicKey)), nil
}

// GetBalance sums the USDC held in every token account owned by address.
func (p *Provider) GetBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	if err := p.ValidateAddress(address); err != nil {
		return decimal.Zero, web3.NewError(web3.KindOther, "balance", err)
	}
	accounts, err := p.tokenAccounts(ctx, address)
	if err != nil {
		return decimal.Zero, web3.NewError(classify(err), "balance", err)
	}
	total := decimal.Zero
	for _, acct := range accounts {
		total = total.Add(acct.amount)
	}
	return total, nil
}

// SendPayment submits a TransferChecked instruction between the sender's and
// the recipient's USDC token accounts and waits for confirmation. The
// recipient must already hold a USDC token account.
func (p *Provider) SendPayment(ctx context.Context, key, recipient string, amount decimal.Decimal) (string, error) {
	priv, err := decodeKeypair(key)
	if err != nil {
		return "", web3.NewError(web3.KindOther, "send", err)
	}
	if err := p.ValidateAddress(recipient); err != nil {
		return "", web3.NewError(web3.KindOther, "send", err)
	}
	if !amount.IsPositive() {
		return "", web3.NewError(web3.KindOther, "send", fmt.Errorf("amount must be positive, got %s", amount))
	}
	units := web3.ToBaseUnits(amount)
	if !units.IsPositive() {
		return "", web3.NewError(web3.KindOther, "send", fmt.Errorf("amount %s is below the USDC resolution", amount))
	}

	owner := base58.Encode(priv.Public().(ed25519.PublicKey))
	sources, err := p.tokenAccounts(ctx, owner)
	if err != nil {
		return "", web3.NewError(classify(err), "send", err)
	}
	source, ok := pickSource(sources, amount)
	if !ok {
		return "", web3.NewError(web3.KindInsufficientFunds, "send",
			fmt.Errorf("no USDC token account of %s holds %s", owner, amount))
	}
	destinations, err := p.tokenAccounts(ctx, recipient)
	if err != nil {
		return "", web3.NewError(classify(err), "send", err)
	}
	if len(destinations) == 0 {
		return "", web3.NewError(web3.KindRejected, "send",
			fmt.Errorf("recipient %s has no USDC token account", recipient))
	}

	var blockhash latestBlockhash
	if err := p.rpc.CallContext(ctx, &blockhash, "getLatestBlockhash", map[string]any{"commitment": "finalized"}); err != nil {
		return "", web3.NewError(classify(err), "send", fmt.Errorf("获取 blockhash 失败: %w", err))
	}

	msg, err := transferCheckedMessage(transferParams{
		owner:       owner,
		source:      source.pubkey,
		destination: destinations[0].pubkey,
		mint:        p.mint,
		amount:      units.BigInt().Uint64(),
		decimals:    web3.USDCDecimals,
		blockhash:   blockhash.Value.Blockhash,
	})
	if err != nil {
		return "", web3.NewError(web3.KindOther, "send", err)
	}
	raw := signTransaction(priv, msg)

	var signature string
	err = p.rpc.CallContext(ctx, &signature, "sendTransaction", base64.StdEncoding.EncodeToString(raw),
		map[string]any{"encoding": "base64", "preflightCommitment": "confirmed"})
	if err != nil {
		return "", web3.NewError(classify(err), "send", fmt.Errorf("广播交易失败: %w", err))
	}

	if err := p.waitConfirmation(ctx, signature); err != nil {
		return "", err
	}
	return signature, nil
}

// BatchPayments sends each transfer sequentially, retrying a leg that failed
// on the network up to three times with exponential backoff. Other failures
// are final for that leg. Cancellation stops the batch but keeps the
// references already obtained; unsent legs are reported as cancelled.
func (p *Provider) BatchPayments(ctx context.Context, key string, transfers []web3.Transfer) ([]string, error) {
	if _, err := decodeKeypair(key); err != nil {
		return nil, web3.NewError(web3.KindOther, "batch", err)
	}
	policy := retry.Policy{Attempts: batchAttempts, Base: batchBackoff, Sleep: p.sleep}

	results := make([]string, 0, len(transfers))
	for _, transfer := range transfers {
		if ctx.Err() != nil {
			results = append(results, web3.FailureMarker("cancelled"))
			continue
		}
		var ref string
		attempts, err := policy.Do(ctx, func(attempt int) error {
			var sendErr error
			ref, sendErr = p.SendPayment(ctx, key, transfer.Recipient, transfer.Amount)
			if sendErr == nil {
				return nil
			}
			p.log.Debug("batch leg failed", "recipient", transfer.Recipient, "attempt", attempt, "error", sendErr)
			if web3.KindOf(sendErr) != web3.KindNetwork || ctx.Err() != nil {
				return retry.Permanent(sendErr)
			}
			return sendErr
		})
		switch {
		case err == nil:
			results = append(results, ref)
		case ctx.Err() != nil:
			// the leg may have been broadcast but cannot be confirmed
			results = append(results, web3.FailureMarker("cancelled"))
		case web3.KindOf(err) == web3.KindNetwork:
			results = append(results, fmt.Sprintf("FAILED after %d retries: %v", attempts, err))
		default:
			results = append(results, web3.FailureMarker(err.Error()))
		}
	}
	return results, nil
}

func (p *Provider) waitConfirmation(ctx context.Context, signature string) error {
	waitCtx, cancel := context.WithTimeout(ctx, p.confirm)
	defer cancel()

	for {
		var statuses signatureStatuses
		err := p.rpc.CallContext(waitCtx, &statuses, "getSignatureStatuses", []string{signature},
			map[string]any{"searchTransactionHistory": true})
		if err == nil && len(statuses.Value) > 0 && statuses.Value[0] != nil {
			status := statuses.Value[0]
			if status.Err != nil {
				return web3.NewError(web3.KindRejected, "confirm", fmt.Errorf("transaction %s failed: %v", signature, status.Err))
			}
			if status.ConfirmationStatus == "confirmed" || status.ConfirmationStatus == "finalized" {
				return nil
			}
		}
		if sleepErr := p.sleep(waitCtx, p.poll); sleepErr != nil {
			if ctx.Err() != nil {
				return web3.NewError(web3.KindNetwork, "confirm", ctx.Err())
			}
			p.log.Warn("confirmation timeout, transaction may still succeed", "signature", signature)
			return nil
		}
	}
}

type tokenAccount struct {
	pubkey string
	amount decimal.Decimal
}

func (p *Provider) tokenAccounts(ctx context.Context, owner string) ([]tokenAccount, error) {
	var resp tokenAccountsResponse
	err := p.rpc.CallContext(ctx, &resp, "getTokenAccountsByOwner", owner,
		map[string]string{"mint": p.mint},
		map[string]string{"encoding": "jsonParsed"})
	if err != nil {
		return nil, fmt.Errorf("查询 USDC 账户失败: %w", err)
	}
	accounts := make([]tokenAccount, 0, len(resp.Value))
	for _, item := range resp.Value {
		raw := item.Account.Data.Parsed.Info.TokenAmount.Amount
		units, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("解析账户 %s 余额失败: %w", item.Pubkey, err)
		}
		accounts = append(accounts, tokenAccount{pubkey: item.Pubkey, amount: web3.FromBaseUnits(units)})
	}
	return accounts, nil
}

func pickSource(accounts []tokenAccount, amount decimal.Decimal) (tokenAccount, bool) {
	for _, acct := range accounts {
		if acct.amount.GreaterThanOrEqual(amount) {
			return acct, true
		}
	}
	return tokenAccount{}, false
}

func decodePublicKey(address string) ([]byte, error) {
	raw, err := base58.Decode(address)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid Solana address %q", address)
	}
	return raw, nil
}

func decodeKeypair(key string) (ed25519.PrivateKey, error) {
	raw, err := base58.Decode(strings.TrimSpace(key))
	if err != nil {
		return nil, fmt.Errorf("invalid Solana private key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid Solana private key: expected %d bytes, got %d", ed25519.PrivateKeySize, len(raw))
	}
	return ed25519.PrivateKey(raw), nil
}

func classify(err error) web3.ErrorKind {
	if err == nil {
		return web3.KindOther
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return web3.KindNetwork
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "insufficient") {
		return web3.KindInsufficientFunds
	}
	var rpcErr gethrpc.Error
	if errors.As(err, &rpcErr) {
		return web3.KindRejected
	}
	return web3.KindNetwork
}

type tokenAccountsResponse struct {
	Value []struct {
		Pubkey  string `json:"pubkey"`
		Account struct {
			Data struct {
				Parsed struct {
					Info struct {
						TokenAmount struct {
							Amount   string `json:"amount"`
							Decimals int    `json:"decimals"`
						} `json:"tokenAmount"`
					} `json:"info"`
				} `json:"parsed"`
			} `json:"data"`
		} `json:"account"`
	} `json:"value"`
}

type latestBlockhash struct {
	Value struct {
		Blockhash            string `json:"blockhash"`
		LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
	} `json:"value"`
}

type signatureStatuses struct {
	Value []*struct {
		ConfirmationStatus string `json:"confirmationStatus"`
		Err                any    `json:"err"`
	} `json:"value"`
}
