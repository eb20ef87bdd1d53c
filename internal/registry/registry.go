// Package registry implements the C2 Precision & Symbol Registry: per
// (exchange, symbol) tick/step size, min-notional metadata, and the
// round_price/round_qty/validate_order/symbol_ok operations that guard
// every order before it reaches an exchange adapter. Instrument metadata
// is seeded from a YAML file at boot (grounded on the teacher's
// internal/strategy/config_loader.go) and held in a reader-writer-locked
// map (grounded on the teacher's pkg/cache/sharded_cache.go pattern,
// generalized from price-only to full instrument metadata).
package registry

import (
	"fmt"
	"os"
	"regexp"
	"sync"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Instrument is the per-(exchange, symbol) precision/capability metadata
// spec.md §4.2 requires the registry to be authoritative over.
type Instrument struct {
	Exchange          string          `yaml:"exchange"`
	Symbol            string          `yaml:"symbol"`
	TickSize          decimal.Decimal `yaml:"-"`
	TickSizeStr       string          `yaml:"tick_size"`
	StepSize          decimal.Decimal `yaml:"-"`
	StepSizeStr       string          `yaml:"step_size"`
	MinQty            decimal.Decimal `yaml:"-"`
	MinQtyStr         string          `yaml:"min_qty"`
	MinNotional       decimal.Decimal `yaml:"-"`
	MinNotionalStr    string          `yaml:"min_notional"`
	SupportsFutures   bool            `yaml:"supports_futures"`
	SupportsPerpetual bool            `yaml:"supports_perpetual"`
}

type instrumentFile struct {
	Instruments []Instrument `yaml:"instruments"`
}

// symbolPattern is the webhook-layer-permissive symbol check from
// spec.md §4.2: `^[A-Z0-9._\-/]{1,30}$`, which allows but does not require
// a `/` separator. The registry's validate_order check is stricter (it
// requires a known Instrument); symbol_ok is this looser structural gate
// used before an Instrument lookup is even attempted.
var symbolPattern = regexp.MustCompile(`^[A-Z0-9._\-/]{1,30}$`)

// Registry holds instrument metadata keyed by (exchange, symbol) behind a
// single RWMutex -- one lock, not sharded, because writes only happen on
// a periodic refresh tick rather than per-order, unlike the teacher's
// price cache which is written on every WS tick.
type Registry struct {
	mu          sync.RWMutex
	instruments map[string]Instrument
}

func key(exchange, symbol string) string {
	return exchange + "|" + symbol
}

// New returns an empty Registry; call LoadYAML or Seed to populate it.
func New() *Registry {
	return &Registry{instruments: make(map[string]Instrument)}
}

// LoadYAML reads instrument metadata from path, following the teacher's
// config_loader.go LoadConfig shape (os.ReadFile + yaml.Unmarshal), then
// replaces the in-memory table atomically under the write lock.
func (r *Registry) LoadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read instrument metadata: %w", err)
	}
	var file instrumentFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse instrument metadata: %w", err)
	}

	parsed := make(map[string]Instrument, len(file.Instruments))
	for _, inst := range file.Instruments {
		if inst.TickSize, err = decimal.NewFromString(inst.TickSizeStr); err != nil {
			return fmt.Errorf("instrument %s/%s: invalid tick_size: %w", inst.Exchange, inst.Symbol, err)
		}
		if inst.StepSize, err = decimal.NewFromString(inst.StepSizeStr); err != nil {
			return fmt.Errorf("instrument %s/%s: invalid step_size: %w", inst.Exchange, inst.Symbol, err)
		}
		if inst.MinQtyStr == "" {
			inst.MinQtyStr = "0"
		}
		if inst.MinQty, err = decimal.NewFromString(inst.MinQtyStr); err != nil {
			return fmt.Errorf("instrument %s/%s: invalid min_qty: %w", inst.Exchange, inst.Symbol, err)
		}
		if inst.MinNotionalStr == "" {
			inst.MinNotionalStr = "0"
		}
		if inst.MinNotional, err = decimal.NewFromString(inst.MinNotionalStr); err != nil {
			return fmt.Errorf("instrument %s/%s: invalid min_notional: %w", inst.Exchange, inst.Symbol, err)
		}
		parsed[key(inst.Exchange, inst.Symbol)] = inst
	}

	r.mu.Lock()
	r.instruments = parsed
	r.mu.Unlock()
	return nil
}

// Seed installs instrument metadata directly, for tests or programmatic
// wiring that skips the YAML file.
func (r *Registry) Seed(instruments ...Instrument) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inst := range instruments {
		r.instruments[key(inst.Exchange, inst.Symbol)] = inst
	}
}

func (r *Registry) lookup(exchange, symbol string) (Instrument, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instruments[key(exchange, symbol)]
	return inst, ok
}

// Side mirrors exchange.Side without importing the exchange package,
// since rounding direction depends on it (buys round down in price to
// avoid overpaying the tick, sells round up).
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// RoundPrice rounds price to the instrument's tick size. Buys round down
// (floor), sells round up (ceil) -- conservative in both directions: a
// buy that rounds down never pays more than requested, a sell that rounds
// up never sells for less.
func (r *Registry) RoundPrice(exchange, symbol string, price decimal.Decimal, side Side) (decimal.Decimal, error) {
	inst, ok := r.lookup(exchange, symbol)
	if !ok {
		return decimal.Zero, fmt.Errorf("round price: unknown instrument %s/%s", exchange, symbol)
	}
	if inst.TickSize.IsZero() {
		return price, nil
	}
	steps := price.Div(inst.TickSize)
	switch side {
	case SideSell:
		steps = steps.Ceil()
	default:
		steps = steps.Floor()
	}
	return steps.Mul(inst.TickSize), nil
}

// RoundQty floors qty to the instrument's step size -- never round up a
// quantity, since that could exceed the caller's intended capital/risk.
func (r *Registry) RoundQty(exchange, symbol string, qty decimal.Decimal) (decimal.Decimal, error) {
	inst, ok := r.lookup(exchange, symbol)
	if !ok {
		return decimal.Zero, fmt.Errorf("round qty: unknown instrument %s/%s", exchange, symbol)
	}
	if inst.StepSize.IsZero() {
		return qty, nil
	}
	steps := qty.Div(inst.StepSize).Floor()
	return steps.Mul(inst.StepSize), nil
}

// ValidateOrder checks a sized order against the instrument's min-qty and
// min-notional floors, returning a human-readable reason on rejection.
func (r *Registry) ValidateOrder(exchange, symbol string, qty, price decimal.Decimal) (bool, string) {
	inst, ok := r.lookup(exchange, symbol)
	if !ok {
		return false, fmt.Sprintf("unknown instrument %s/%s", exchange, symbol)
	}
	if qty.LessThan(inst.MinQty) {
		return false, fmt.Sprintf("qty %s below min_qty %s", qty, inst.MinQty)
	}
	notional := qty.Mul(price)
	if notional.LessThan(inst.MinNotional) {
		return false, fmt.Sprintf("notional %s below min_notional %s", notional, inst.MinNotional)
	}
	return true, ""
}

// SymbolOk is the permissive structural check from spec.md §4.2: only the
// character-class and length check of symbolPattern. It takes no market
// type and does not require the `/` separator for crypto symbols; the
// webhook layer applies that rule separately.
func SymbolOk(raw string) bool {
	if !symbolPattern.MatchString(raw) {
		return false
	}
	return true
}

// Lookup exposes the instrument metadata itself, used by the Sizer (C6)
// when converting qty_per semantics into an exchange-valid quantity.
func (r *Registry) Lookup(exchange, symbol string) (Instrument, bool) {
	return r.lookup(exchange, symbol)
}

// Has reports whether the registry has metadata for (exchange, symbol)
// at all -- the registry is authoritative over the webhook layer's
// permissive SymbolOk check, per spec.md §4.2.
func (r *Registry) Has(exchange, symbol string) bool {
	_, ok := r.lookup(exchange, symbol)
	return ok
}
