package session

import (
	"sort"
	"strings"

	"github.com/samber/lo"
)

// Rates are USD prices per million tokens.
type Rates struct {
	Input        float64 `yaml:"input" json:"input"`
	Output       float64 `yaml:"output" json:"output"`
	CacheRead    float64 `yaml:"cache_read" json:"cacheRead"`
	CacheWrite5m float64 `yaml:"cache_write_5m" json:"cacheWrite5m"`
	CacheWrite1h float64 `yaml:"cache_write_1h" json:"cacheWrite1h"`
}

// PricingTable maps model ids, or model id prefixes, to rates.
type PricingTable map[string]Rates

// DefaultPricing covers the current model families.
func DefaultPricing() PricingTable {
	return PricingTable{
		"claude-opus-4":     {Input: 15, Output: 75, CacheRead: 1.5, CacheWrite5m: 18.75, CacheWrite1h: 30},
		"claude-opus-4-5":   {Input: 5, Output: 25, CacheRead: 0.5, CacheWrite5m: 6.25, CacheWrite1h: 10},
		"claude-opus-4-6":   {Input: 5, Output: 25, CacheRead: 0.5, CacheWrite5m: 6.25, CacheWrite1h: 10},
		"claude-sonnet-4":   {Input: 3, Output: 15, CacheRead: 0.3, CacheWrite5m: 3.75, CacheWrite1h: 6},
		"claude-3-7-sonnet": {Input: 3, Output: 15, CacheRead: 0.3, CacheWrite5m: 3.75, CacheWrite1h: 6},
		"claude-haiku-4-5":  {Input: 1, Output: 5, CacheRead: 0.1, CacheWrite5m: 1.25, CacheWrite1h: 2},
		"claude-3-5-haiku":  {Input: 0.8, Output: 4, CacheRead: 0.08, CacheWrite5m: 1, CacheWrite1h: 1.6},
	}
}

// Lookup finds the rates for model. An exact key wins; otherwise the longest
// key that prefixes model; otherwise the shortest key that model prefixes.
func (p PricingTable) Lookup(model string) (Rates, bool) {
	if model == "" {
		return Rates{}, false
	}
	if r, ok := p[model]; ok {
		return r, true
	}

	keys := lo.Keys(p)
	// Longest first, ties broken by name so the result is deterministic.
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})

	for _, k := range keys {
		if strings.HasPrefix(model, k) {
			return p[k], true
		}
	}
	for i := len(keys) - 1; i >= 0; i-- {
		if strings.HasPrefix(keys[i], model) {
			return p[keys[i]], true
		}
	}
	return Rates{}, false
}

// Cost prices usage at these rates.
func (r Rates) Cost(input, output, cacheRead, write5m, write1h int64) float64 {
	const perMillion = 1_000_000
	return (float64(input)*r.Input +
		float64(output)*r.Output +
		float64(cacheRead)*r.CacheRead +
		float64(write5m)*r.CacheWrite5m +
		float64(write1h)*r.CacheWrite1h) / perMillion
}
