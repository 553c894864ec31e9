package session

import (
	"encoding/json"
	"time"

	"github.com/tombelieber/claude-view-sub001/internal/jsonl"
)

// Prompt cache lifetimes.
const (
	cacheTTL5m = 5 * time.Minute
	cacheTTL1h = time.Hour
)

// CacheStatus classifies how recently the prompt cache was used.
type CacheStatus int

const (
	CacheNone CacheStatus = iota
	CacheWarm
	CacheCold
)

var cacheStatusNames = map[CacheStatus]string{
	CacheNone: "none",
	CacheWarm: "warm",
	CacheCold: "cold",
}

func (c CacheStatus) String() string {
	if s, ok := cacheStatusNames[c]; ok {
		return s
	}
	return "none"
}

func (c CacheStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *CacheStatus) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for k, v := range cacheStatusNames {
		if v == s {
			*c = k
			return nil
		}
	}
	*c = CacheNone
	return nil
}

// Cost is a USD breakdown.
type Cost struct {
	Input      float64 `json:"input"`
	Output     float64 `json:"output"`
	CacheRead  float64 `json:"cacheRead"`
	CacheWrite float64 `json:"cacheWrite"`
	Subagents  float64 `json:"subagents"`
	Total      float64 `json:"total"`
	// Unpriced is set when some usage belonged to a model with no rates.
	Unpriced bool `json:"unpriced,omitempty"`
}

// Snapshot is the derived, immutable output of an aggregate.
type Snapshot struct {
	Tokens        Tokens
	ContextTokens int64
	Cost          Cost
	CacheStatus   CacheStatus
	Subagents     []Subagent
	Todos         []jsonl.Todo
	Tasks         []Task
}

// Finish computes the cost breakdown and cache warmth as of now. It does not
// modify the aggregate; slices in the result are copies.
func (a *Aggregate) Finish(p PricingTable, now time.Time) Snapshot {
	snap := Snapshot{
		Tokens:        a.Tokens,
		ContextTokens: a.ContextTokens,
		CacheStatus:   a.cacheStatus(now),
		Todos:         append([]jsonl.Todo(nil), a.Todos...),
		Tasks:         append([]Task(nil), a.Tasks...),
	}

	for model, u := range a.modelUsage {
		r, ok := p.Lookup(model)
		if !ok {
			if u != (jsonl.Usage{}) {
				snap.Cost.Unpriced = true
			}
			continue
		}
		snap.Cost.Input += r.Cost(u.Input, 0, 0, 0, 0)
		snap.Cost.Output += r.Cost(0, u.Output, 0, 0, 0)
		snap.Cost.CacheRead += r.Cost(0, 0, u.CacheRead, 0, 0)
		snap.Cost.CacheWrite += r.Cost(0, 0, 0, u.CacheCreation5m, u.CacheCreation1h)
	}

	if len(a.Subagents) > 0 {
		rates, priced := p.Lookup(a.Model)
		snap.Subagents = make([]Subagent, len(a.Subagents))
		for i, sa := range a.Subagents {
			c := sa.clone()
			if c.Usage != nil && priced {
				u := c.Usage
				c.Cost = rates.Cost(u.Input, u.Output, u.CacheRead, u.CacheCreation5m, u.CacheCreation1h)
				snap.Cost.Subagents += c.Cost
			}
			snap.Subagents[i] = c
		}
	}

	snap.Cost.Total = snap.Cost.Input + snap.Cost.Output + snap.Cost.CacheRead +
		snap.Cost.CacheWrite + snap.Cost.Subagents
	return snap
}

func (a *Aggregate) cacheStatus(now time.Time) CacheStatus {
	if a.LastCacheHit.IsZero() {
		return CacheNone
	}
	ttl := cacheTTL5m
	if a.HasCache1h {
		ttl = cacheTTL1h
	}
	if now.Sub(a.LastCacheHit) <= ttl {
		return CacheWarm
	}
	return CacheCold
}
