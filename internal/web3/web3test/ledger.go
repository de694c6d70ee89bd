// Package web3test provides an in-memory USDC ledger implementing
// web3.Provider for tests of the wallet, payment and swarm layers.
package web3test

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"X402-Agent/internal/web3"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
)

// Sent records one transfer applied to the ledger.
type Sent struct {
	From      string
	Recipient string
	Amount    decimal.Decimal
	Ref       string
}

// Ledger is a thread-safe in-memory provider. Keys map to addresses
// deterministically (see Key and Address).
type Ledger struct {
	mu       sync.Mutex
	network  web3.Network
	balances map[string]decimal.Decimal
	sent     []Sent
	seq      int
	closed   bool

	balanceFailures int
	balanceCalls    int
	sendFailures    int
	sendKind        web3.ErrorKind
	batchErr        error
	cutAfter        int
	cutErr          error
	failRecipients  map[string]string
}

var _ web3.Provider = (*Ledger)(nil)

// NewLedger creates an empty ledger for network.
func NewLedger(network web3.Network) *Ledger {
	return &Ledger{
		network:        network,
		balances:       make(map[string]decimal.Decimal),
		failRecipients: make(map[string]string),
	}
}

// Key returns a valid EVM private key for seed n.
func Key(n int) string {
	return fmt.Sprintf("%064x", n+1)
}

// Address returns the address Ledger derives for Key(n).
func Address(n int) string {
	key := Key(n)
	return "0x" + key[24:]
}

// Fund credits amount to address.
func (l *Ledger) Fund(address string, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[address] = l.balances[address].Add(amount)
}

// BalanceOf returns the ledger balance of address without failure
// injection.
func (l *Ledger) BalanceOf(address string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[address]
}

// Sent returns every applied transfer in order.
func (l *Ledger) Sent() []Sent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Sent(nil), l.sent...)
}

// BalanceCalls reports how many GetBalance calls were made.
func (l *Ledger) BalanceCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balanceCalls
}

// FailBalance makes the next n GetBalance calls fail with a network error.
func (l *Ledger) FailBalance(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balanceFailures = n
}

// FailSends makes the next n SendPayment calls fail with kind.
func (l *Ledger) FailSends(n int, kind web3.ErrorKind) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sendFailures = n
	l.sendKind = kind
}

// FailBatch makes BatchPayments fail as a whole with err. nil clears it.
func (l *Ledger) FailBatch(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.batchErr = err
}

// CutBatch makes the next BatchPayments apply only the first n legs and
// return their references together with err.
func (l *Ledger) CutBatch(n int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cutAfter = n
	l.cutErr = err
}

// FailRecipient marks every batch leg paying recipient as failed with
// reason. An empty reason clears it.
func (l *Ledger) FailRecipient(recipient, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if reason == "" {
		delete(l.failRecipients, recipient)
		return
	}
	l.failRecipients[recipient] = reason
}

// Closed reports whether Close was called.
func (l *Ledger) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Ledger) Network() web3.Network { return l.network }

func (l *Ledger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
}

func (l *Ledger) ValidateAddress(address string) error {
	if l.network == web3.NetworkSolana {
		raw, err := base58.Decode(address)
		if err != nil || len(raw) != 32 {
			return fmt.Errorf("invalid Solana address %q", address)
		}
		return nil
	}
	if len(address) != 42 || !strings.HasPrefix(address, "0x") {
		return fmt.Errorf("invalid EVM address %q", address)
	}
	if _, err := hex.DecodeString(address[2:]); err != nil {
		return fmt.Errorf("invalid EVM address %q", address)
	}
	return nil
}

func (l *Ledger) DeriveAddress(key string) (string, error) {
	if l.network == web3.NetworkSolana {
		raw, err := base58.Decode(key)
		if err != nil || len(raw) != 64 {
			return "", errors.New("invalid Solana key")
		}
		return base58.Encode(raw[32:]), nil
	}
	key = strings.TrimPrefix(strings.ToLower(key), "0x")
	if len(key) != 64 {
		return "", errors.New("invalid EVM key")
	}
	return "0x" + key[24:], nil
}

func (l *Ledger) GetBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, web3.NewError(web3.KindNetwork, "balance", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balanceCalls++
	if l.balanceFailures > 0 {
		l.balanceFailures--
		return decimal.Zero, web3.NewError(web3.KindNetwork, "balance", errors.New("rpc unavailable"))
	}
	return l.balances[address], nil
}

func (l *Ledger) SendPayment(ctx context.Context, key, recipient string, amount decimal.Decimal) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", web3.NewError(web3.KindNetwork, "send", err)
	}
	from, err := l.DeriveAddress(key)
	if err != nil {
		return "", web3.NewError(web3.KindOther, "send", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sendFailures > 0 {
		l.sendFailures--
		return "", web3.NewError(l.sendKind, "send", fmt.Errorf("injected %s failure", l.sendKind))
	}
	return l.applyLocked(from, recipient, amount)
}

func (l *Ledger) BatchPayments(ctx context.Context, key string, transfers []web3.Transfer) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, web3.NewError(web3.KindNetwork, "batch", err)
	}
	from, err := l.DeriveAddress(key)
	if err != nil {
		return nil, web3.NewError(web3.KindOther, "batch", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.batchErr != nil {
		return nil, l.batchErr
	}
	if l.cutErr != nil {
		err := l.cutErr
		l.cutErr = nil
		results := make([]string, 0, l.cutAfter)
		for _, transfer := range transfers[:min(l.cutAfter, len(transfers))] {
			ref, applyErr := l.applyLocked(from, transfer.Recipient, transfer.Amount)
			if applyErr != nil {
				ref = web3.FailureMarker(applyErr.Error())
			}
			results = append(results, ref)
		}
		return results, err
	}
	results := make([]string, len(transfers))
	for i, transfer := range transfers {
		if reason, ok := l.failRecipients[transfer.Recipient]; ok {
			results[i] = web3.FailureMarker(reason)
			continue
		}
		ref, err := l.applyLocked(from, transfer.Recipient, transfer.Amount)
		if err != nil {
			results[i] = web3.FailureMarker(err.Error())
			continue
		}
		results[i] = ref
	}
	return results, nil
}

func (l *Ledger) applyLocked(from, recipient string, amount decimal.Decimal) (string, error) {
	if l.balances[from].LessThan(amount) {
		return "", web3.NewError(web3.KindInsufficientFunds, "send",
			fmt.Errorf("insufficient funds: %s holds %s", from, l.balances[from]))
	}
	l.balances[from] = l.balances[from].Sub(amount)
	l.balances[recipient] = l.balances[recipient].Add(amount)
	l.seq++
	ref := fmt.Sprintf("0xtx%04d", l.seq)
	l.sent = append(l.sent, Sent{From: from, Recipient: recipient, Amount: amount, Ref: ref})
	return ref, nil
}

// Factory serves ledgers by network, satisfying wallet.ProviderFactory.
type Factory struct {
	mu      sync.Mutex
	Ledgers map[web3.Network]*Ledger
	Err     error
}

// NewFactory returns a factory with one ledger per supported network.
func NewFactory() *Factory {
	ledgers := make(map[web3.Network]*Ledger)
	for _, network := range web3.SupportedNetworks() {
		ledgers[network] = NewLedger(network)
	}
	return &Factory{Ledgers: ledgers}
}

func (f *Factory) New(_ context.Context, network web3.Network) (web3.Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	ledger, ok := f.Ledgers[network]
	if !ok {
		return nil, fmt.Errorf("no ledger for %s", network)
	}
	return ledger, nil
}

func (f *Factory) Networks() []web3.Network {
	return web3.SupportedNetworks()
}
