package registry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/settleco/settle/internal/config"
	"github.com/settleco/settle/internal/processor/adapters"
	"github.com/settleco/settle/internal/processor/domain"
)

type stubAdapter struct {
	domain.Adapter

	name       string
	probeErr   error
	probeCalls *atomic.Int64
}

func (s *stubAdapter) Name() string { return s.name }

func (s *stubAdapter) Probe(ctx context.Context) error {
	s.probeCalls.Add(1)
	return s.probeErr
}

type stubFactory struct {
	name    string
	adapter *stubAdapter
}

func (f stubFactory) Provider() string { return f.name }

func (f stubFactory) New(env domain.Env) (domain.Adapter, error) {
	return f.adapter, nil
}

type fixture struct {
	registry *Registry
	probes   map[string]*atomic.Int64
}

// newFixture registers stub adapters under the real provider names and
// controls credentials through the env map.
func newFixture(t *testing.T, env map[string]string, probeErrs map[string]error) fixture {
	t.Helper()

	names := []string{"stripe", "authorizenet", "forte"}
	probes := make(map[string]*atomic.Int64, len(names))
	factories := make([]adapters.Factory, 0, len(names))
	for _, name := range names {
		calls := &atomic.Int64{}
		probes[name] = calls
		factories = append(factories, stubFactory{
			name: name,
			adapter: &stubAdapter{
				name:       name,
				probeErr:   probeErrs[name],
				probeCalls: calls,
			},
		})
	}

	params := Params{
		Log:      zap.NewNop(),
		Config:   config.Config{ProbeTimeout: time.Second},
		Adapters: adapters.NewRegistry(factories...),
	}
	reg := newWithEnv(params, func(key string) string { return env[key] })
	return fixture{registry: reg, probes: probes}
}

func allCredentials() map[string]string {
	return map[string]string{
		"STRIPE_SECRET_KEY":       "sk_test_123",
		"AUTHNET_API_LOGIN_ID":    "login",
		"AUTHNET_TRANSACTION_KEY": "key",
		"FORTE_API_ACCESS_ID":     "access",
		"FORTE_API_SECRET_KEY":    "secret",
		"FORTE_ORG_ID":            "org_1",
		"FORTE_LOC_ID":            "loc_1",
	}
}

func TestSmartChoosePrefersPriorityOrder(t *testing.T) {
	f := newFixture(t, allCredentials(), nil)

	adapter, err := f.registry.SmartChoose(context.Background(), SelectionOptions{})
	if err != nil {
		t.Fatalf("SmartChoose: %v", err)
	}
	if adapter.Name() != "stripe" {
		t.Fatalf("selected %q, want stripe", adapter.Name())
	}
	for name, calls := range f.probes {
		if calls.Load() != 0 {
			t.Fatalf("%s probed %d times without TestConnections", name, calls.Load())
		}
	}
}

func TestSmartChooseSkipsDisabled(t *testing.T) {
	f := newFixture(t, allCredentials(), nil)
	if err := f.registry.SetEnabled("stripe", false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}

	adapter, err := f.registry.SmartChoose(context.Background(), SelectionOptions{})
	if err != nil {
		t.Fatalf("SmartChoose: %v", err)
	}
	if adapter.Name() != "authorizenet" {
		t.Fatalf("selected %q, want authorizenet", adapter.Name())
	}
}

func TestSmartChooseSkipsMissingCredentials(t *testing.T) {
	env := map[string]string{
		"FORTE_API_ACCESS_ID":  "access",
		"FORTE_API_SECRET_KEY": "secret",
		"FORTE_ORG_ID":         "org_1",
		"FORTE_LOC_ID":         "loc_1",
	}
	f := newFixture(t, env, nil)

	adapter, err := f.registry.SmartChoose(context.Background(), SelectionOptions{})
	if err != nil {
		t.Fatalf("SmartChoose: %v", err)
	}
	if adapter.Name() != "forte" {
		t.Fatalf("selected %q, want forte", adapter.Name())
	}
}

func TestSmartChooseFallsThroughFailedProbe(t *testing.T) {
	f := newFixture(t, allCredentials(), map[string]error{
		"stripe": errors.New("connection refused"),
	})

	adapter, err := f.registry.SmartChoose(context.Background(), SelectionOptions{TestConnections: true})
	if err != nil {
		t.Fatalf("SmartChoose: %v", err)
	}
	if adapter.Name() != "authorizenet" {
		t.Fatalf("selected %q, want authorizenet", adapter.Name())
	}
	if got := f.probes["stripe"].Load(); got != 1 {
		t.Fatalf("stripe probed %d times, want 1", got)
	}
}

func TestProbeResultsAreCached(t *testing.T) {
	f := newFixture(t, allCredentials(), nil)

	opts := SelectionOptions{TestConnections: true}
	for i := 0; i < 3; i++ {
		if _, err := f.registry.SmartChoose(context.Background(), opts); err != nil {
			t.Fatalf("SmartChoose #%d: %v", i, err)
		}
	}
	if got := f.probes["stripe"].Load(); got != 1 {
		t.Fatalf("stripe probed %d times, want 1 (cached)", got)
	}
}

func TestSmartChoosePreferredOrderWins(t *testing.T) {
	f := newFixture(t, allCredentials(), nil)

	adapter, err := f.registry.SmartChoose(context.Background(), SelectionOptions{
		PreferredOrder: []string{"forte"},
	})
	if err != nil {
		t.Fatalf("SmartChoose: %v", err)
	}
	if adapter.Name() != "forte" {
		t.Fatalf("selected %q, want forte", adapter.Name())
	}
}

func TestSmartChooseFallbackSkipsProbe(t *testing.T) {
	f := newFixture(t, allCredentials(), map[string]error{
		"stripe":       errors.New("connection refused"),
		"authorizenet": errors.New("connection refused"),
		"forte":        errors.New("connection refused"),
	})

	adapter, err := f.registry.SmartChoose(context.Background(), SelectionOptions{
		TestConnections: true,
		Fallback:        "stripe",
	})
	if err != nil {
		t.Fatalf("SmartChoose: %v", err)
	}
	if adapter.Name() != "stripe" {
		t.Fatalf("selected %q, want stripe via fallback", adapter.Name())
	}
	// One probe per ranked candidate; the fallback attempt adds none.
	for name, calls := range f.probes {
		if calls.Load() != 1 {
			t.Fatalf("%s probed %d times, want 1", name, calls.Load())
		}
	}
}

func TestSmartChooseFallbackMissingKeysFails(t *testing.T) {
	env := allCredentials()
	delete(env, "FORTE_API_ACCESS_ID")
	f := newFixture(t, env, map[string]error{
		"stripe":       errors.New("connection refused"),
		"authorizenet": errors.New("connection refused"),
		"forte":        errors.New("connection refused"),
	})

	_, err := f.registry.SmartChoose(context.Background(), SelectionOptions{
		TestConnections: true,
		Fallback:        "forte",
	})
	if !errors.Is(err, domain.ErrNoProcessorAvailable) {
		t.Fatalf("err = %v, want ErrNoProcessorAvailable", err)
	}
}

func TestSmartChoosePreferredOrderDoesNotFallThroughTable(t *testing.T) {
	env := allCredentials()
	delete(env, "FORTE_API_ACCESS_ID")
	f := newFixture(t, env, map[string]error{
		"stripe": errors.New("connection refused"),
	})

	adapter, err := f.registry.SmartChoose(context.Background(), SelectionOptions{
		PreferredOrder:  []string{"forte"},
		TestConnections: true,
		Fallback:        "stripe",
	})
	if err != nil {
		t.Fatalf("SmartChoose: %v", err)
	}
	if adapter.Name() != "stripe" {
		t.Fatalf("selected %q, want fallback stripe", adapter.Name())
	}
	if got := f.probes["authorizenet"].Load(); got != 0 {
		t.Fatalf("authorizenet probed %d times outside the pinned order", got)
	}
}

func TestSmartChooseNoProcessorAvailable(t *testing.T) {
	f := newFixture(t, nil, nil)

	_, err := f.registry.SmartChoose(context.Background(), SelectionOptions{})
	if !errors.Is(err, domain.ErrNoProcessorAvailable) {
		t.Fatalf("err = %v, want ErrNoProcessorAvailable", err)
	}
}

func TestSetPriorityReorders(t *testing.T) {
	f := newFixture(t, allCredentials(), nil)
	if err := f.registry.SetPriority("forte", 0); err != nil {
		t.Fatalf("SetPriority: %v", err)
	}

	adapter, err := f.registry.SmartChoose(context.Background(), SelectionOptions{})
	if err != nil {
		t.Fatalf("SmartChoose: %v", err)
	}
	if adapter.Name() != "forte" {
		t.Fatalf("selected %q, want forte", adapter.Name())
	}
}

func TestChooseUnknownProcessor(t *testing.T) {
	f := newFixture(t, allCredentials(), nil)

	_, err := f.registry.Choose(context.Background(), "braintree")
	if !errors.Is(err, domain.ErrUnknownProcessor) {
		t.Fatalf("err = %v, want ErrUnknownProcessor", err)
	}
}

func TestGetAvailableProcessorsReportsMissingKeys(t *testing.T) {
	env := map[string]string{"STRIPE_SECRET_KEY": "sk_test_123"}
	f := newFixture(t, env, nil)

	statuses := f.registry.GetAvailableProcessors(context.Background(), false)
	if len(statuses) != 3 {
		t.Fatalf("got %d statuses, want 3", len(statuses))
	}
	if statuses[0].Name != "stripe" || !statuses[0].Available {
		t.Fatalf("stripe status = %+v", statuses[0])
	}
	if statuses[1].Name != "authorizenet" || statuses[1].Available {
		t.Fatalf("authorizenet status = %+v", statuses[1])
	}
	if len(statuses[1].MissingKeys) != 2 {
		t.Fatalf("authorizenet missing keys = %v", statuses[1].MissingKeys)
	}
}
