package swarm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	xerrors "X402-Agent/internal/errors"
	"X402-Agent/internal/payments"
	"X402-Agent/internal/retry"
	"X402-Agent/internal/tools"
	"X402-Agent/internal/wallet"
	"X402-Agent/internal/web3"
	"X402-Agent/internal/web3/web3test"

	"github.com/shopspring/decimal"
)

type fakeMember struct {
	id    string
	run   func(prompt string) (string, error)
	tools *tools.Registry

	mu      sync.Mutex
	wallet  payments.Wallet
	prompts []string
	mailbox []string
}

func (f *fakeMember) ID() string { return f.id }

func (f *fakeMember) Run(_ context.Context, prompt string) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	if f.run == nil {
		return "r-" + f.id, nil
	}
	return f.run(prompt)
}

func (f *fakeMember) Wallet() payments.Wallet {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wallet
}

func (f *fakeMember) UseWallet(w payments.Wallet) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wallet = w
}

func (f *fakeMember) Deliver(from, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mailbox = append(f.mailbox, from+": "+body)
}

func (f *fakeMember) ClearMailbox() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.mailbox)
	f.mailbox = nil
	return n
}

func (f *fakeMember) Tools() *tools.Registry { return f.tools }

func (f *fakeMember) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.mailbox...)
}

// newMembers 为每个余额创建一个成员 a1..an，钱包共用同一个内存账本。
func newMembers(t *testing.T, balances ...string) ([]*fakeMember, *web3test.Ledger) {
	t.Helper()
	ledger := web3test.NewLedger(web3.NetworkBase)
	out := make([]*fakeMember, 0, len(balances))
	for i, b := range balances {
		ledger.Fund(web3test.Address(i), decimal.RequireFromString(b))
		w, err := wallet.NewWithProvider(ledger, web3test.Key(i), wallet.WithSleep(retry.NoSleep))
		if err != nil {
			t.Fatalf("new wallet: %v", err)
		}
		out = append(out, &fakeMember{
			id:     "a" + string(rune('1'+i)),
			wallet: w,
			tools:  tools.NewRegistry(context.Background(), nil),
		})
	}
	return out, ledger
}

func newSwarm(t *testing.T, cfg Config, members ...*fakeMember) *Swarm {
	t.Helper()
	if cfg.ID == "" {
		cfg.ID = "test-swarm"
	}
	s := New(cfg)
	for _, m := range members {
		if err := s.Add(m); err != nil {
			t.Fatalf("add %s: %v", m.id, err)
		}
	}
	return s
}

func TestTransferBetweenIndividualWallets(t *testing.T) {
	members, ledger := newMembers(t, "20", "5", "5")
	s := newSwarm(t, Config{}, members...)
	ctx := context.Background()

	ref, err := s.Transfer(ctx, "a1", "a2", decimal.NewFromInt(3))
	if err != nil || ref == "" {
		t.Fatalf("transfer: %q %v", ref, err)
	}
	if !s.Spending("a1").Equal(decimal.NewFromInt(3)) {
		t.Fatalf("a1 spending = %s", s.Spending("a1"))
	}
	if !ledger.BalanceOf(web3test.Address(1)).Equal(decimal.NewFromInt(8)) {
		t.Fatalf("a2 balance = %s", ledger.BalanceOf(web3test.Address(1)))
	}

	_, err = s.Transfer(ctx, "a2", "a1", decimal.NewFromInt(10))
	if !xerrors.HasCode(err, xerrors.CodeInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if len(ledger.Sent()) != 1 {
		t.Fatalf("failed transfer must not send, got %d sends", len(ledger.Sent()))
	}

	if _, err := s.Transfer(ctx, "a1", "ghost", decimal.NewFromInt(1)); !xerrors.HasCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := s.Transfer(ctx, "a1", "a2", decimal.Zero); !xerrors.HasCode(err, xerrors.CodeInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestAddEnforcesCapacityAndUniqueness(t *testing.T) {
	members, _ := newMembers(t, "1", "1", "1")
	s := newSwarm(t, Config{MaxAgents: 2}, members[0], members[1])

	if err := s.Add(members[2]); !xerrors.HasCode(err, xerrors.CodeCapacity) {
		t.Fatalf("expected capacity error, got %v", err)
	}
	if !s.Remove("a2") || s.Remove("a2") {
		t.Fatal("remove should report presence once")
	}
	if err := s.Add(members[0]); !xerrors.HasCode(err, xerrors.CodeCapacity) {
		t.Fatalf("duplicate should be a capacity error, got %v", err)
	}
	if err := s.Add(members[2]); err != nil {
		t.Fatalf("add after remove: %v", err)
	}
	if got := s.Discover("A"); len(got) != 2 || got[0] != "a1" || got[1] != "a3" {
		t.Fatalf("unexpected discovery %v", got)
	}
	if got := s.Discover("3"); len(got) != 1 || got[0] != "a3" {
		t.Fatalf("unexpected discovery %v", got)
	}
}

func TestSharedWalletAdoptionAndBookkeeping(t *testing.T) {
	members, ledger := newMembers(t, "20", "5")
	original := members[1].Wallet()
	s := newSwarm(t, Config{SharedWallet: true}, members...)
	ctx := context.Background()

	if members[1].Wallet() == original || members[1].Wallet().Address() != web3test.Address(0) {
		t.Fatal("second member should adopt the shared wallet")
	}

	ref, err := s.Transfer(ctx, "a1", "a2", decimal.NewFromInt(2))
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if ref != "shared_wallet_transfer_a1_to_a2_2" {
		t.Fatalf("unexpected reference %q", ref)
	}
	if len(ledger.Sent()) != 0 {
		t.Fatal("shared wallet transfers must not touch the chain")
	}
	if !s.Spending("a1").Equal(decimal.NewFromInt(2)) || !s.Spending("a2").Equal(decimal.NewFromInt(-2)) {
		t.Fatalf("unexpected spending a1=%s a2=%s", s.Spending("a1"), s.Spending("a2"))
	}

	total, err := s.Balance(ctx)
	if err != nil || !total.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("shared balance should count once, got %s (%v)", total, err)
	}
}

func TestConcurrentSharedTransfersAreSerialised(t *testing.T) {
	members, _ := newMembers(t, "10", "0", "0")
	s := newSwarm(t, Config{SharedWallet: true}, members...)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			to := "a2"
			if i%2 == 0 {
				to = "a3"
			}
			if _, err := s.Transfer(context.Background(), "a1", to, decimal.RequireFromString("0.5")); err != nil {
				t.Errorf("transfer %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	if !s.Spending("a1").Equal(decimal.NewFromInt(10)) {
		t.Fatalf("a1 spending = %s", s.Spending("a1"))
	}
	if !s.Spending("a2").Add(s.Spending("a3")).Equal(decimal.NewFromInt(-10)) {
		t.Fatalf("receiver spending a2=%s a3=%s", s.Spending("a2"), s.Spending("a3"))
	}
}

func TestSplitCostsSumToTotal(t *testing.T) {
	members, _ := newMembers(t, "1", "1", "1")
	s := newSwarm(t, Config{}, members...)
	total := decimal.NewFromInt(10)

	equal, err := s.SplitCosts(total, MethodEqual)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if !sum(equal).Equal(total) || !equal["a1"].Equal(decimal.RequireFromString("3.333333")) {
		t.Fatalf("unexpected equal split %v", equal)
	}

	usage, _ := s.SplitCosts(total, MethodUsageBased)
	if !usage["a1"].Equal(equal["a1"]) {
		t.Fatalf("usage split without spending should fall back to equal, got %v", usage)
	}

	_ = s.RecordSpending("a1", decimal.NewFromInt(1), "search")
	_ = s.RecordSpending("a2", decimal.NewFromInt(3), "weather")
	usage, _ = s.SplitCosts(total, MethodUsageBased)
	if !usage["a1"].Equal(decimal.RequireFromString("2.5")) || !usage["a2"].Equal(decimal.RequireFromString("7.5")) || !usage["a3"].IsZero() {
		t.Fatalf("unexpected usage split %v", usage)
	}
	if !sum(usage).Equal(total) {
		t.Fatalf("usage split sums to %s", sum(usage))
	}

	if manual, _ := s.SplitCosts(total, MethodManual); len(manual) != 0 {
		t.Fatalf("manual split should be empty, got %v", manual)
	}
	if _, err := s.SplitCosts(total, "random"); !xerrors.HasCode(err, xerrors.CodeInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestExecuteCostSplitPaysRichestMember(t *testing.T) {
	members, ledger := newMembers(t, "5", "20", "0")
	s := newSwarm(t, Config{}, members...)

	refs, err := s.ExecuteCostSplit(context.Background(), decimal.NewFromInt(3), MethodEqual)
	if err != nil {
		t.Fatalf("execute split: %v", err)
	}
	if _, ok := refs["a2"]; ok {
		t.Fatal("payer should not transfer to itself")
	}
	if strings.HasPrefix(refs["a1"], "FAILED") || refs["a1"] == "" {
		t.Fatalf("a1 transfer should succeed, got %q", refs["a1"])
	}
	if !strings.HasPrefix(refs["a3"], "FAILED: ") {
		t.Fatalf("a3 has no funds and should fail, got %q", refs["a3"])
	}
	if !ledger.BalanceOf(web3test.Address(1)).Equal(decimal.NewFromInt(21)) {
		t.Fatalf("payer balance = %s", ledger.BalanceOf(web3test.Address(1)))
	}
}

func TestMessaging(t *testing.T) {
	members, _ := newMembers(t, "1", "1", "1")
	s := newSwarm(t, Config{}, members...)

	if err := s.Send("a1", "ghost", "hi"); !xerrors.HasCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := s.Send("a1", "a2", "hi"); err != nil {
		t.Fatalf("send: %v", err)
	}
	n, err := s.Broadcast("a1", "all")
	if err != nil || n != 2 {
		t.Fatalf("broadcast delivered %d (%v)", n, err)
	}
	if len(members[0].messages()) != 0 || len(members[1].messages()) != 2 || len(members[2].messages()) != 1 {
		t.Fatal("unexpected mailbox contents")
	}
	if _, err := s.Broadcast("ghost", "x"); !xerrors.HasCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCollaborateParallelReport(t *testing.T) {
	members, _ := newMembers(t, "1", "1", "1")
	members[1].run = func(string) (string, error) { return "", errors.New("boom") }
	s := newSwarm(t, Config{}, members...)

	out, err := s.Collaborate(context.Background(), "research x402", StrategyParallel)
	if err != nil {
		t.Fatalf("collaborate: %v", err)
	}
	if out.Successful != 2 || out.Members != 3 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	for _, want := range []string{
		"=== SWARM COLLABORATION RESULTS ===\n\nAgent a1:\nr-a1\n\nAgent a2:\nERROR: boom\n\nAgent a3:\nr-a3\n\n",
		"=== ERRORS ===\na2: boom\n",
		"Successful agents: 2/3\n",
		"Swarm ID: test-swarm\n",
	} {
		if !strings.Contains(out.Report, want) {
			t.Fatalf("report missing %q:\n%s", want, out.Report)
		}
	}
	for _, m := range members {
		if len(m.prompts) != 1 || m.prompts[0] != "research x402" {
			t.Fatalf("%s got prompts %v", m.id, m.prompts)
		}
	}

	if _, err := s.Collaborate(context.Background(), "x", "random"); !xerrors.HasCode(err, xerrors.CodeInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestCollaborateSequentialBuildsContext(t *testing.T) {
	members, _ := newMembers(t, "1", "1", "1")
	members[1].run = func(string) (string, error) { return "", errors.New("boom") }
	s := newSwarm(t, Config{}, members...)

	if _, err := s.Collaborate(context.Background(), "task", StrategySequential); err != nil {
		t.Fatalf("collaborate: %v", err)
	}
	if got := members[0].prompts[0]; got != "task\n\nPrevious results: none" {
		t.Fatalf("first prompt %q", got)
	}
	if got := members[1].prompts[0]; got != "task\n\nBuilding on: r-a1\n\nPrevious results: a1: r-a1" {
		t.Fatalf("second prompt %q", got)
	}
	if got := members[2].prompts[0]; got != "task\n\nBuilding on: r-a1\n\nPrevious results: a1: r-a1; a2: ERROR: boom" {
		t.Fatalf("third prompt %q", got)
	}
}

func TestCollaborateDivide(t *testing.T) {
	if got := divideTask("A. B. C. D. E", 2); len(got) != 2 || got[0] != "A. B." || got[1] != "C. D. E." {
		t.Fatalf("unexpected parts %q", got)
	}

	members, _ := newMembers(t, "1", "1", "1")
	s := newSwarm(t, Config{}, members...)
	out, err := s.Collaborate(context.Background(), "Find flights. Book hotel", StrategyDivide)
	if err != nil {
		t.Fatalf("collaborate: %v", err)
	}
	if members[0].prompts[0] != "Work on this part of the task: Find flights" ||
		members[1].prompts[0] != "Work on this part of the task: Book hotel" {
		t.Fatalf("unexpected prompts %q %q", members[0].prompts, members[1].prompts)
	}
	if len(members[2].prompts) != 0 || out.Results[2].Output != "No subtask assigned" {
		t.Fatalf("idle member should not run, got %+v", out.Results[2])
	}
}

func TestCollaborateWithRecoveryTopsUpAndRetries(t *testing.T) {
	members, ledger := newMembers(t, "20", "5", "0")
	var (
		mu       sync.Mutex
		attempts = map[string]int{}
	)
	for _, m := range members {
		id := m.id
		m.run = func(string) (string, error) {
			mu.Lock()
			defer mu.Unlock()
			attempts[id]++
			if attempts[id] < 2 {
				return "", errors.New("out of funds")
			}
			return "ok", nil
		}
	}
	s := newSwarm(t, Config{}, members...)
	members[1].Deliver("a1", "stale")

	out, err := s.CollaborateWithRecovery(context.Background(), "task", StrategyParallel, 2)
	if err != nil {
		t.Fatalf("collaborate: %v", err)
	}
	if out.Exhausted || out.Successful != 3 {
		t.Fatalf("second attempt should succeed, got %+v", out)
	}
	if !ledger.BalanceOf(web3test.Address(2)).Equal(decimal.RequireFromString("0.1")) {
		t.Fatalf("low member should be topped up, balance %s", ledger.BalanceOf(web3test.Address(2)))
	}
	if len(members[1].messages()) != 0 {
		t.Fatal("recovery should clear mailboxes")
	}
}

func TestCollaborateWithRecoveryGivesUp(t *testing.T) {
	members, _ := newMembers(t, "1")
	members[0].run = func(string) (string, error) { return "", errors.New("boom") }
	s := newSwarm(t, Config{}, members...)

	out, err := s.CollaborateWithRecovery(context.Background(), "task", StrategyParallel, 1)
	if err != nil {
		t.Fatalf("collaborate: %v", err)
	}
	want := "COLLABORATION FAILED\n=== RECOVERY ATTEMPTED ===\nFailed after 2 attempts.\nLast error: boom"
	if !out.Exhausted || out.Report != want {
		t.Fatalf("unexpected report %q", out.Report)
	}
	if len(members[0].prompts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(members[0].prompts))
	}
}

func TestSpendingSummary(t *testing.T) {
	members, _ := newMembers(t, "1", "1")
	s := newSwarm(t, Config{}, members...)
	_ = s.RecordSpending("a1", decimal.NewFromInt(2), "search")
	_ = s.RecordSpending("a1", decimal.NewFromInt(1), "search")
	if err := s.RecordSpending("ghost", decimal.NewFromInt(1), ""); !xerrors.HasCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	summary := s.SpendingSummary()
	if !summary.Total.Equal(decimal.NewFromInt(3)) || !summary.Average.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if !s.SpendingBreakdown("a1")["search"].Equal(decimal.NewFromInt(3)) {
		t.Fatalf("unexpected breakdown %v", s.SpendingBreakdown("a1"))
	}

	s.ResetSpending()
	if !s.Spending("a1").IsZero() || len(s.SpendingBreakdown("a1")) != 0 {
		t.Fatal("reset should clear spending")
	}
	s.Remove("a1")
	if len(s.SpendingSummary().ByAgent) != 1 {
		t.Fatal("remove should clear the spending record")
	}
}

func sum(m map[string]decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range m {
		total = total.Add(v)
	}
	return total
}

func TestParseStrategy(t *testing.T) {
	cases := map[string]Strategy{"": StrategyParallel, " Divide ": StrategyDivide, "SEQUENTIAL": StrategySequential}
	for in, want := range cases {
		got, err := ParseStrategy(in)
		if err != nil || got != want {
			t.Fatalf("ParseStrategy(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseStrategy("round-robin"); !xerrors.HasCode(err, xerrors.CodeInvalidInput) {
		t.Fatalf("unknown strategy should be invalid input, got %v", err)
	}
}
