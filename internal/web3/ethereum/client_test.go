package ethereum

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"X402-Agent/internal/retry"
	"X402-Agent/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"
)

const (
	testKey       = "0xb71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"
	testRecipient = "0x00000000000000000000000000000000000000aa"
)

type fakeBackend struct {
	mu            sync.Mutex
	balance       *big.Int
	nonce         uint64
	gasPrice      *big.Int
	gasErr        error
	sendErr       error
	receiptStatus uint64
	sent          []*coretypes.Transaction

	// failSend rejects the n-th SendTransaction call (1-based) without
	// consuming its nonce.
	failSend   int
	sendCalls  int
	nonceCalls int
	noReceipt  map[common.Hash]bool
	onReceipt  func()
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonceCalls++
	return f.nonce + uint64(len(f.sent)), nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	if f.gasPrice == nil {
		return nil, errors.New("gas oracle offline")
	}
	return f.gasPrice, nil
}

func (f *fakeBackend) EstimateGas(context.Context, gethcore.CallMsg) (uint64, error) {
	if f.gasErr != nil {
		return 0, f.gasErr
	}
	return 50_000, nil
}

func (f *fakeBackend) CallContract(context.Context, gethcore.CallMsg, *big.Int) ([]byte, error) {
	return usdcABI.Methods["balanceOf"].Outputs.Pack(f.balance)
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *coretypes.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++
	if f.sendCalls == f.failSend {
		return errors.New("replacement transaction underpriced")
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	if f.onReceipt != nil {
		f.onReceipt()
	}
	if f.noReceipt[hash] {
		return nil, gethcore.NotFound
	}
	return &coretypes.Receipt{Status: f.receiptStatus}, nil
}

type fakeBatch struct {
	calls   int
	failIdx int
}

func (f *fakeBatch) BatchCallContext(_ context.Context, elems []gethrpc.BatchElem) error {
	f.calls++
	for i := range elems {
		if elems[i].Method != "eth_sendRawTransaction" {
			elems[i].Error = errors.New("unexpected method")
			continue
		}
		if i == f.failIdx {
			elems[i].Error = errors.New("nonce too low")
		}
	}
	return nil
}

func newTestProvider(backend *fakeBackend, batch BatchCaller) *Provider {
	return NewWithBackend(backend, batch, Config{Sleep: retry.NoSleep})
}

func TestGetBalanceConvertsBaseUnits(t *testing.T) {
	backend := &fakeBackend{balance: big.NewInt(12_500_000)}
	p := newTestProvider(backend, nil)

	balance, err := p.GetBalance(context.Background(), testRecipient)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if !balance.Equal(decimal.RequireFromString("12.5")) {
		t.Fatalf("unexpected balance %s", balance)
	}
}

func TestSendPaymentBuildsSignedTransfer(t *testing.T) {
	backend := &fakeBackend{
		nonce:         4,
		gasPrice:      big.NewInt(1_000_000_000),
		gasErr:        errors.New("estimate unavailable"),
		receiptStatus: coretypes.ReceiptStatusSuccessful,
	}
	p := newTestProvider(backend, nil)

	ref, err := p.SendPayment(context.Background(), testKey, testRecipient, decimal.RequireFromString("1.25"))
	if err != nil {
		t.Fatalf("send payment: %v", err)
	}
	if len(backend.sent) != 1 {
		t.Fatalf("expected one transaction, got %d", len(backend.sent))
	}
	tx := backend.sent[0]
	if ref != tx.Hash().Hex() {
		t.Fatalf("expected reference %s, got %s", tx.Hash().Hex(), ref)
	}
	if tx.Nonce() != 4 {
		t.Fatalf("unexpected nonce %d", tx.Nonce())
	}
	if tx.Gas() != fallbackGasLimit {
		t.Fatalf("expected fallback gas limit, got %d", tx.Gas())
	}
	if tx.GasPrice().Cmp(big.NewInt(1_100_000_000)) != 0 {
		t.Fatalf("expected padded gas price, got %s", tx.GasPrice())
	}
	if *tx.To() != common.HexToAddress(BaseUSDC) {
		t.Fatalf("transaction should target the USDC contract, got %s", tx.To().Hex())
	}

	args, err := usdcABI.Methods["transfer"].Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		t.Fatalf("decode transfer: %v", err)
	}
	if args[0].(common.Address) != common.HexToAddress(testRecipient) {
		t.Fatalf("unexpected recipient %v", args[0])
	}
	if args[1].(*big.Int).Cmp(big.NewInt(1_250_000)) != 0 {
		t.Fatalf("unexpected amount %v", args[1])
	}

	sender, err := coretypes.Sender(coretypes.LatestSignerForChainID(big.NewInt(BaseChainID)), tx)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	derived, _ := p.DeriveAddress(testKey)
	if sender.Hex() != derived {
		t.Fatalf("signature recovers %s, want %s", sender.Hex(), derived)
	}
}

func TestSendPaymentClassifiesFailures(t *testing.T) {
	backend := &fakeBackend{sendErr: errors.New("insufficient funds for gas * price + value")}
	p := newTestProvider(backend, nil)
	_, err := p.SendPayment(context.Background(), testKey, testRecipient, decimal.NewFromInt(1))
	if web3.KindOf(err) != web3.KindInsufficientFunds {
		t.Fatalf("expected insufficient funds kind, got %v (%v)", web3.KindOf(err), err)
	}

	reverted := &fakeBackend{receiptStatus: coretypes.ReceiptStatusFailed}
	p = newTestProvider(reverted, nil)
	_, err = p.SendPayment(context.Background(), testKey, testRecipient, decimal.NewFromInt(1))
	if web3.KindOf(err) != web3.KindRejected {
		t.Fatalf("expected rejected kind, got %v (%v)", web3.KindOf(err), err)
	}
}

func TestBatchPaymentsSequentialMarksInvalidLegs(t *testing.T) {
	backend := &fakeBackend{nonce: 7, receiptStatus: coretypes.ReceiptStatusSuccessful}
	p := newTestProvider(backend, nil)

	results, err := p.BatchPayments(context.Background(), testKey, []web3.Transfer{
		{Recipient: testRecipient, Amount: decimal.NewFromInt(1)},
		{Recipient: "not-an-address", Amount: decimal.NewFromInt(1)},
		{Recipient: testRecipient, Amount: decimal.NewFromInt(2)},
	})
	if err != nil {
		t.Fatalf("batch payments: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected positional results, got %v", results)
	}
	if web3.IsFailureMarker(results[0]) || web3.IsFailureMarker(results[2]) {
		t.Fatalf("valid legs should succeed: %v", results)
	}
	if !web3.IsFailureMarker(results[1]) {
		t.Fatalf("invalid leg should be marked failed: %v", results)
	}
	if len(backend.sent) != 2 || backend.sent[0].Nonce() != 7 || backend.sent[1].Nonce() != 8 {
		t.Fatalf("expected consecutive nonces for sent legs")
	}
}

func TestBatchPaymentsResyncsNonceAfterRejectedSend(t *testing.T) {
	backend := &fakeBackend{nonce: 3, receiptStatus: coretypes.ReceiptStatusSuccessful, failSend: 2}
	p := newTestProvider(backend, nil)

	var lockedWhileWaiting bool
	backend.onReceipt = func() {
		if !p.nonceMu.TryLock() {
			lockedWhileWaiting = true
			return
		}
		p.nonceMu.Unlock()
	}

	results, err := p.BatchPayments(context.Background(), testKey, []web3.Transfer{
		{Recipient: testRecipient, Amount: decimal.NewFromInt(1)},
		{Recipient: testRecipient, Amount: decimal.NewFromInt(2)},
		{Recipient: testRecipient, Amount: decimal.NewFromInt(3)},
	})
	if err != nil {
		t.Fatalf("batch payments: %v", err)
	}
	if web3.IsFailureMarker(results[0]) || !web3.IsFailureMarker(results[1]) || web3.IsFailureMarker(results[2]) {
		t.Fatalf("only the rejected leg should fail: %v", results)
	}
	if len(backend.sent) != 2 || backend.sent[0].Nonce() != 3 || backend.sent[1].Nonce() != 4 {
		t.Fatalf("the leg after the rejected send must reuse its nonce")
	}
	if backend.nonceCalls != 2 {
		t.Fatalf("expected a nonce resync after the rejected send, got %d lookups", backend.nonceCalls)
	}
	if lockedWhileWaiting {
		t.Fatal("nonce lock must be released before waiting for receipts")
	}
}

func TestBatchPaymentsReportsUnconfirmedLegs(t *testing.T) {
	backend := &fakeBackend{receiptStatus: coretypes.ReceiptStatusSuccessful, noReceipt: map[common.Hash]bool{}}
	p := NewWithBackend(backend, nil, Config{Sleep: func(context.Context, time.Duration) error {
		return context.DeadlineExceeded
	}})

	var pending common.Hash
	backend.onReceipt = func() {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		if len(backend.sent) == 2 && pending == (common.Hash{}) {
			pending = backend.sent[1].Hash()
			backend.noReceipt[pending] = true
		}
	}

	results, err := p.BatchPayments(context.Background(), testKey, []web3.Transfer{
		{Recipient: testRecipient, Amount: decimal.NewFromInt(1)},
		{Recipient: testRecipient, Amount: decimal.NewFromInt(2)},
	})
	if err != nil {
		t.Fatalf("batch payments: %v", err)
	}
	if web3.IsFailureMarker(results[0]) {
		t.Fatalf("confirmed leg should succeed: %v", results)
	}
	if results[1] != web3.FailureMarker("unconfirmed: "+pending.Hex()) {
		t.Fatalf("leg without receipt should be unconfirmed, got %v", results)
	}

	backend.onReceipt = func() {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		backend.noReceipt[backend.sent[len(backend.sent)-1].Hash()] = true
	}
	ref, err := p.SendPayment(context.Background(), testKey, testRecipient, decimal.NewFromInt(1))
	if err != nil || ref == "" {
		t.Fatalf("single payment should still return its hash, got %q %v", ref, err)
	}
}

func TestBatchPaymentsUsesJSONRPCBatch(t *testing.T) {
	backend := &fakeBackend{receiptStatus: coretypes.ReceiptStatusSuccessful}
	batch := &fakeBatch{failIdx: 1}
	p := newTestProvider(backend, batch)

	results, err := p.BatchPayments(context.Background(), testKey, []web3.Transfer{
		{Recipient: testRecipient, Amount: decimal.NewFromInt(1)},
		{Recipient: testRecipient, Amount: decimal.NewFromInt(1)},
	})
	if err != nil {
		t.Fatalf("batch payments: %v", err)
	}
	if batch.calls != 1 {
		t.Fatalf("expected a single batch round trip, got %d", batch.calls)
	}
	if len(backend.sent) != 0 {
		t.Fatalf("batch mode must not use SendTransaction")
	}
	if web3.IsFailureMarker(results[0]) || !web3.IsFailureMarker(results[1]) {
		t.Fatalf("unexpected results %v", results)
	}
}

func TestDeriveAddressMatchesCrypto(t *testing.T) {
	p := newTestProvider(&fakeBackend{}, nil)
	addr, err := p.DeriveAddress(testKey)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	priv, _ := crypto.HexToECDSA(testKey[2:])
	if addr != crypto.PubkeyToAddress(priv.PublicKey).Hex() {
		t.Fatalf("unexpected address %s", addr)
	}
	if err := p.ValidateAddress("0x1234"); err == nil {
		t.Fatal("short address should be rejected")
	}
}
