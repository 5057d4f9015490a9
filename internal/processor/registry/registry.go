package registry

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/settleco/settle/internal/cache"
	"github.com/settleco/settle/internal/config"
	"github.com/settleco/settle/internal/logger"
	"github.com/settleco/settle/internal/processor/adapters"
	"github.com/settleco/settle/internal/processor/adapters/authorizenet"
	"github.com/settleco/settle/internal/processor/adapters/forte"
	"github.com/settleco/settle/internal/processor/adapters/stripe"
	"github.com/settleco/settle/internal/processor/domain"
)

// Probe results are cached so a burst of selections does not hammer
// provider health endpoints. Failures expire faster so recovery is
// noticed promptly.
const (
	probeHealthyTTL   = time.Minute
	probeUnhealthyTTL = 15 * time.Second
)

// SelectionOptions steer SmartChoose.
type SelectionOptions struct {
	// PreferredOrder, when set, replaces the priority table: only the
	// named processors are tried, in order. Unknown names are dropped.
	PreferredOrder []string
	// TestConnections gates live health probes. When false, selection
	// is decided from configuration and credentials alone.
	TestConnections bool
	// Fallback is tried last when every ranked candidate fails. It is
	// validated by credentials only, never probed, so a transient
	// health-check false negative cannot block settlement.
	Fallback string
}

// Status describes one processor for operational introspection.
type Status struct {
	Name        string   `json:"name"`
	Priority    int      `json:"priority"`
	Enabled     bool     `json:"enabled"`
	Available   bool     `json:"available"`
	MissingKeys []string `json:"missing_keys,omitempty"`
	Detail      string   `json:"detail,omitempty"`
}

type probeResult struct {
	err error
}

// Registry selects a working payment adapter from the configured
// processor table. The table is mutable at runtime but in-memory only;
// restarts revert to defaults.
type Registry struct {
	log      *zap.Logger
	cfg      config.Config
	adapters *adapters.Registry
	env      domain.Env

	mu      sync.RWMutex
	configs map[string]*domain.ProcessorConfig

	probes cache.Cache[string, probeResult]
}

type Params struct {
	fx.In

	Log      *zap.Logger
	Config   config.Config
	Adapters *adapters.Registry
}

// New builds the registry with the default processor table: stripe
// preferred, then authorizenet, then forte.
func New(p Params) *Registry {
	return newWithEnv(p, os.Getenv)
}

func newWithEnv(p Params, env domain.Env) *Registry {
	configs := map[string]*domain.ProcessorConfig{
		stripe.ProviderName: {
			Name:            stripe.ProviderName,
			Priority:        1,
			Enabled:         true,
			RequiredEnvKeys: stripe.RequiredEnvKeys,
		},
		authorizenet.ProviderName: {
			Name:            authorizenet.ProviderName,
			Priority:        2,
			Enabled:         true,
			RequiredEnvKeys: authorizenet.RequiredEnvKeys,
		},
		forte.ProviderName: {
			Name:            forte.ProviderName,
			Priority:        3,
			Enabled:         true,
			RequiredEnvKeys: forte.RequiredEnvKeys,
		},
	}
	return &Registry{
		log:      p.Log.Named("processor.registry"),
		cfg:      p.Config,
		adapters: p.Adapters,
		env:      env,
		configs:  configs,
		probes:   cache.NewTTLCache[string, probeResult](),
	}
}

// Choose constructs the named adapter, honoring the enabled flag and
// credential requirements. It never probes.
func (r *Registry) Choose(ctx context.Context, name string) (domain.Adapter, error) {
	name = strings.ToLower(strings.TrimSpace(name))

	r.mu.RLock()
	cfg, ok := r.configs[name]
	r.mu.RUnlock()
	if !ok || !r.adapters.ProviderExists(name) {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownProcessor, name)
	}
	if !cfg.Enabled {
		return nil, fmt.Errorf("%w: %s is disabled", domain.ErrNoProcessorAvailable, name)
	}
	if missing := cfg.MissingKeys(r.env); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s missing %s", domain.ErrMissingCredentials, name, strings.Join(missing, ", "))
	}
	return r.adapters.New(name, r.env)
}

// SmartChoose walks the candidate list and returns the first adapter
// that can be constructed (and, when requested, answers a live probe).
// When every ranked candidate fails, the fallback is attempted once on
// credential validity alone, without a probe.
func (r *Registry) SmartChoose(ctx context.Context, opts SelectionOptions) (domain.Adapter, error) {
	log := logger.FromContext(ctx).Named("processor.registry")

	for _, name := range r.candidates(opts) {
		adapter, err := r.Choose(ctx, name)
		if err != nil {
			log.Debug("processor skipped",
				zap.String("processor", name),
				zap.Error(err),
			)
			continue
		}
		if opts.TestConnections {
			if err := r.probe(ctx, adapter); err != nil {
				log.Warn("processor failed health probe",
					zap.String("processor", name),
					zap.Error(err),
				)
				continue
			}
		}
		log.Info("processor selected",
			zap.String("processor", name),
			zap.Bool("probed", opts.TestConnections),
		)
		return adapter, nil
	}

	fallback := strings.ToLower(strings.TrimSpace(opts.Fallback))
	if fallback == "" {
		fallback = strings.ToLower(strings.TrimSpace(r.cfg.FallbackProcessor))
	}
	if fallback != "" {
		adapter, err := r.Choose(ctx, fallback)
		if err == nil {
			log.Warn("processor selected via fallback",
				zap.String("processor", fallback),
			)
			return adapter, nil
		}
		log.Debug("fallback rejected",
			zap.String("processor", fallback),
			zap.Error(err),
		)
	}
	return nil, domain.ErrNoProcessorAvailable
}

// candidates builds the ordered, de-duplicated trial list. A caller
// that pins PreferredOrder gets exactly those processors; otherwise
// the whole table applies, sorted by ascending priority.
func (r *Registry) candidates(opts SelectionOptions) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var names []string

	if len(opts.PreferredOrder) > 0 {
		for _, name := range opts.PreferredOrder {
			name = strings.ToLower(strings.TrimSpace(name))
			if name == "" || seen[name] {
				continue
			}
			if _, ok := r.configs[name]; !ok {
				continue
			}
			seen[name] = true
			names = append(names, name)
		}
		return names
	}

	ranked := make([]*domain.ProcessorConfig, 0, len(r.configs))
	for _, cfg := range r.configs {
		ranked = append(ranked, cfg)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Priority != ranked[j].Priority {
			return ranked[i].Priority < ranked[j].Priority
		}
		return ranked[i].Name < ranked[j].Name
	})
	for _, cfg := range ranked {
		names = append(names, cfg.Name)
	}
	return names
}

// probe checks adapter health through the TTL cache, bounding the live
// call with the configured probe timeout. Adapters without a prober
// pass by construction.
func (r *Registry) probe(ctx context.Context, adapter domain.Adapter) error {
	prober, ok := adapter.(domain.ConnectionProber)
	if !ok {
		return nil
	}

	if cached, ok := r.probes.Get(adapter.Name()); ok {
		return cached.err
	}

	probeCtx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
	defer cancel()
	err := prober.Probe(probeCtx)

	ttl := probeHealthyTTL
	if err != nil {
		ttl = probeUnhealthyTTL
	}
	r.probes.Set(adapter.Name(), probeResult{err: err}, ttl)
	return err
}

// GetAvailableProcessors reports the full table. With testConnections,
// availability additionally requires a passing probe.
func (r *Registry) GetAvailableProcessors(ctx context.Context, testConnections bool) []Status {
	r.mu.RLock()
	configs := make([]domain.ProcessorConfig, 0, len(r.configs))
	for _, cfg := range r.configs {
		configs = append(configs, *cfg)
	}
	r.mu.RUnlock()

	sort.Slice(configs, func(i, j int) bool {
		if configs[i].Priority != configs[j].Priority {
			return configs[i].Priority < configs[j].Priority
		}
		return configs[i].Name < configs[j].Name
	})

	statuses := make([]Status, 0, len(configs))
	for _, cfg := range configs {
		status := Status{
			Name:     cfg.Name,
			Priority: cfg.Priority,
			Enabled:  cfg.Enabled,
		}
		status.MissingKeys = cfg.MissingKeys(r.env)
		switch {
		case !cfg.Enabled:
			status.Detail = "disabled"
		case len(status.MissingKeys) > 0:
			status.Detail = "missing credentials"
		default:
			status.Available = true
		}
		if status.Available && testConnections {
			adapter, err := r.adapters.New(cfg.Name, r.env)
			if err == nil {
				err = r.probe(ctx, adapter)
			}
			if err != nil {
				status.Available = false
				status.Detail = err.Error()
			}
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// SetEnabled toggles a processor at runtime.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.configs[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownProcessor, name)
	}
	cfg.Enabled = enabled
	r.log.Info("processor toggled",
		zap.String("processor", cfg.Name),
		zap.Bool("enabled", enabled),
	)
	return nil
}

// SetPriority reorders a processor at runtime. Lower sorts first.
func (r *Registry) SetPriority(name string, priority int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.configs[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownProcessor, name)
	}
	cfg.Priority = priority
	r.log.Info("processor reprioritized",
		zap.String("processor", cfg.Name),
		zap.Int("priority", priority),
	)
	return nil
}

var Module = fx.Module("processor.registry",
	fx.Provide(
		func() *adapters.Registry {
			return adapters.NewRegistry(
				stripe.NewFactory(),
				authorizenet.NewFactory(),
				forte.NewFactory(),
			)
		},
		New,
	),
)
