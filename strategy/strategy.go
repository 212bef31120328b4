// Package strategy defines the per-bar decision interface and a
// registry of built-in strategies. Strategies are pure decision
// functions: they see the closed candle and the account snapshot and
// answer with target exposures, never touching the broker directly.
package strategy

import (
	"bytes"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"perpsim/engine"
	"perpsim/market"
)

// Strategy is called once per closed candle. OnBar returns the desired
// exposure; the runner decides when and at what price it fills. Reset
// must return the strategy to its pre-run state so one value can serve
// several runs.
type Strategy interface {
	Name() string
	Reset()
	OnBar(c market.Candle, index int, st engine.State) []engine.Signal
}

// Factory builds a strategy from raw YAML params. Implementations must
// validate the params and fail here, not midway through a run.
type Factory func(params []byte) (Strategy, error)

var registry = map[string]Factory{}

// Register makes a strategy constructible by name. Duplicate names
// panic at init time, which is when registration happens.
func Register(name string, f Factory) {
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("strategy %q registered twice", name))
	}
	registry[name] = f
}

// New builds a registered strategy with its params validated.
func New(name string, params []byte) (Strategy, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q (have: %v)", name, Names())
	}
	return f(params)
}

// Names lists the registered strategies, sorted for stable output.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// decodeParams unmarshals strict YAML into a params struct, rejecting
// unknown keys so typos fail loudly.
func decodeParams(raw []byte, into any) error {
	if len(raw) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(into); err != nil {
		return fmt.Errorf("strategy params: %w", err)
	}
	return nil
}
