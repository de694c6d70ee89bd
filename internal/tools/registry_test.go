package tools

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	xerrors "X402-Agent/internal/errors"

	"github.com/shopspring/decimal"
)

type failingStore struct{ *MemoryStore }

func (failingStore) LoadAll(context.Context) ([]Tool, error) {
	return nil, errors.New("database unavailable")
}

func newEndpoint(t *testing.T, status int) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("expected HEAD request, got %s", r.Method)
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func tool(name, endpoint, description string) Tool {
	return Tool{
		Name:           name,
		Endpoint:       endpoint,
		Description:    description,
		CostPerCall:    decimal.RequireFromString("0.01"),
		PaymentAddress: "0x000000000000000000000000000000000000dEaD",
	}
}

func TestRegisterValidatesAndPersists(t *testing.T) {
	store := NewMemoryStore()
	r := NewRegistry(context.Background(), store)
	endpoint := newEndpoint(t, http.StatusMethodNotAllowed)

	if err := r.Register(context.Background(), tool("weather", endpoint, "forecasts")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(context.Background(), tool("weather", endpoint, "again")); !xerrors.HasCode(err, xerrors.CodeConflict) {
		t.Fatalf("duplicate should conflict, got %v", err)
	}

	saved, _ := store.LoadAll(context.Background())
	if len(saved) != 1 || saved[0].CreatedAt.IsZero() {
		t.Fatalf("tool should be persisted with a creation time, got %+v", saved)
	}

	reloaded := NewRegistry(context.Background(), store)
	if _, ok := reloaded.Get("weather"); !ok {
		t.Fatal("registry should load tools from the store")
	}
}

func TestRegisterRejectsBadEndpoints(t *testing.T) {
	r := NewRegistry(context.Background(), nil)
	cases := map[string]string{
		"scheme":       "ftp://example.com/tool",
		"host":         "http:///path",
		"server error": newEndpoint(t, http.StatusBadGateway),
		"unreachable":  "http://127.0.0.1:1/tool",
	}
	for name, endpoint := range cases {
		err := r.Register(context.Background(), tool(name, endpoint, ""))
		if !xerrors.HasCode(err, CodeInvalidEndpoint) {
			t.Errorf("%s: expected invalid endpoint, got %v", name, err)
		}
	}
	if len(r.List()) != 0 {
		t.Fatal("no tool should be registered")
	}
}

func TestToolValidation(t *testing.T) {
	bad := []Tool{
		{Endpoint: "http://x", PaymentAddress: "a"},
		{Name: "n", PaymentAddress: "a"},
		{Name: "n", Endpoint: "http://x"},
		{Name: "n", Endpoint: "http://x", PaymentAddress: "a", CostPerCall: decimal.NewFromInt(-1)},
	}
	for i, tl := range bad {
		if err := tl.Validate(); !xerrors.HasCode(err, xerrors.CodeInvalidInput) {
			t.Errorf("case %d: expected invalid input, got %v", i, err)
		}
	}
	free := Tool{Name: "n", Endpoint: "http://x", PaymentAddress: "a"}
	if err := free.Validate(); err != nil {
		t.Fatalf("zero cost tool should be valid: %v", err)
	}
}

func TestDiscoverRanksByRelevance(t *testing.T) {
	endpoint := newEndpoint(t, http.StatusOK)
	r := NewRegistry(context.Background(), nil)
	for _, tl := range []Tool{
		tool("search", endpoint+"/a", "web search"),
		tool("image-search", endpoint+"/b", "find images"),
		tool("summarise", endpoint+"/c", "condense search results"),
		tool("translate", endpoint+"/search", "languages"),
		tool("weather", endpoint+"/d", "forecasts"),
	} {
		if err := r.Register(context.Background(), tl); err != nil {
			t.Fatalf("register %s: %v", tl.Name, err)
		}
	}

	got := r.Discover("Search")
	want := []string{"search", "image-search", "summarise", "translate"}
	if len(got) != len(want) {
		t.Fatalf("unexpected matches %v", names(got))
	}
	for i := range want {
		if got[i].Name != want[i] {
			t.Fatalf("unexpected order %v", names(got))
		}
	}
	if all := r.Discover("  "); len(all) != 5 {
		t.Fatalf("empty query should return every tool, got %d", len(all))
	}
}

func TestRemove(t *testing.T) {
	store := NewMemoryStore()
	r := NewRegistry(context.Background(), store)
	if err := r.Register(context.Background(), tool("weather", newEndpoint(t, http.StatusOK), "")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if !r.Remove(context.Background(), "weather") {
		t.Fatal("remove should report an existing tool")
	}
	if r.Remove(context.Background(), "weather") {
		t.Fatal("second remove should report false")
	}
	if saved, _ := store.LoadAll(context.Background()); len(saved) != 0 {
		t.Fatal("tool should be deleted from the store")
	}
}

func TestValidateParameters(t *testing.T) {
	r := NewRegistry(context.Background(), nil)
	tl := tool("weather", newEndpoint(t, http.StatusOK), "")
	tl.Parameters = map[string]Parameter{
		"city":  {Type: "string", Required: true},
		"units": {Type: "string"},
	}
	if err := r.Register(context.Background(), tl); err != nil {
		t.Fatalf("register: %v", err)
	}
	if !r.ValidateParameters("weather", map[string]any{"city": "Oslo"}) {
		t.Fatal("required parameter present should validate")
	}
	if r.ValidateParameters("weather", map[string]any{"units": "metric"}) {
		t.Fatal("missing required parameter should fail")
	}
	if r.ValidateParameters("unknown", nil) {
		t.Fatal("unknown tool should fail")
	}
}

func TestStoreLoadFailureStartsEmpty(t *testing.T) {
	r := NewRegistry(context.Background(), failingStore{MemoryStore: NewMemoryStore()})
	if len(r.List()) != 0 {
		t.Fatal("registry should start empty")
	}
}

func TestSeedFromCatalog(t *testing.T) {
	endpoint := newEndpoint(t, http.StatusOK)
	path := filepath.Join(t.TempDir(), "tools.json")
	content := `[
  {"name": "weather", "endpoint": "` + endpoint + `", "description": "forecasts", "cost_per_call": "0.02", "payment_address": "0xabc", "parameters": {"city": {"type": "string", "required": true}}},
  {"name": "broken", "endpoint": "", "payment_address": "0xabc"}
]`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	catalog, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	r := NewRegistry(context.Background(), nil)
	if added := r.Seed(context.Background(), catalog); added != 1 {
		t.Fatalf("expected one tool seeded, got %d", added)
	}
	if added := r.Seed(context.Background(), catalog); added != 0 {
		t.Fatalf("seeding again should add nothing, got %d", added)
	}
	got, _ := r.Get("weather")
	if !got.CostPerCall.Equal(decimal.RequireFromString("0.02")) || !got.Parameters["city"].Required {
		t.Fatalf("unexpected seeded tool %+v", got)
	}
}

func names(list []Tool) []string {
	out := make([]string, len(list))
	for i, t := range list {
		out[i] = t.Name
	}
	return out
}
