package domain

// ProcessorConfig describes one registered processor. The table lives
// in process memory only; runtime mutations revert on restart.
type ProcessorConfig struct {
	Name string
	// Priority orders candidates in SmartChoose; lower is preferred.
	Priority int
	Enabled  bool
	// RequiredEnvKeys must all be present in the environment for the
	// processor to be selectable.
	RequiredEnvKeys []string
}

// Env resolves environment variables. Injected so selection logic is
// testable without mutating the process environment.
type Env func(key string) string

// MissingKeys returns the required keys absent from env, in declared order.
func (c ProcessorConfig) MissingKeys(env Env) []string {
	var missing []string
	for _, key := range c.RequiredEnvKeys {
		if env(key) == "" {
			missing = append(missing, key)
		}
	}
	return missing
}
