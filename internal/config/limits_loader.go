package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// SymbolLimits carries the exchange-published order constraints for one
// trading pair. Lot step and minimums differ per venue and change rarely,
// so they ship as configuration rather than hard-coded tables.
type SymbolLimits struct {
	LotStep        float64 `yaml:"lot_step"`
	MinQty         float64 `yaml:"min_qty"`
	MinNotional    float64 `yaml:"min_notional"`
	QtyPrecision   int     `yaml:"qty_precision"`
	PricePrecision int     `yaml:"price_precision"`
}

type VenueLimits struct {
	ReadRPS     float64                 `yaml:"read_rps"`
	WriteRPS    float64                 `yaml:"write_rps"`
	Burst       int                     `yaml:"burst"`
	Unsupported []string                `yaml:"unsupported"`
	Symbols     map[string]SymbolLimits `yaml:"symbols"`
	Default     SymbolLimits            `yaml:"default"`
}

type ExchangeLimits struct {
	Exchanges map[string]VenueLimits `yaml:"exchanges"`
}

func LoadExchangeLimits(path string) (ExchangeLimits, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ExchangeLimits{}, fmt.Errorf("read exchange limits: %w", err)
	}

	var limits ExchangeLimits
	if err := yaml.Unmarshal(data, &limits); err != nil {
		return ExchangeLimits{}, fmt.Errorf("parse exchange limits: %w", err)
	}

	return limits, nil
}

func (el ExchangeLimits) Venue(exchange string) (VenueLimits, bool) {
	vl, ok := el.Exchanges[strings.ToLower(exchange)]
	return vl, ok
}

// Symbol resolves the limits for a pair on a venue, falling back to the
// venue default. ok is false when the venue is unknown or the pair is on
// its unsupported list.
func (el ExchangeLimits) Symbol(exchange, symbol string) (SymbolLimits, bool) {
	vl, ok := el.Venue(exchange)
	if !ok {
		return SymbolLimits{}, false
	}
	symbol = strings.ToUpper(symbol)
	for _, u := range vl.Unsupported {
		if strings.ToUpper(u) == symbol {
			return SymbolLimits{}, false
		}
	}
	if sl, ok := vl.Symbols[symbol]; ok {
		return sl, true
	}
	return vl.Default, true
}
