package ledger

import "sort"

// Bucket is an aggregated slice of usage: request count, token sum, and
// derived cost for one key (a day, a provider, or a model).
type Bucket struct {
	Key      string  `json:"key"`
	Requests int64   `json:"requests"`
	Tokens   int64   `json:"tokens"`
	Cost     float64 `json:"cost"`
}

// Rollup aggregates queried events by day, provider, and model. Rollups
// are computed from the raw rows at read time, never precomputed.
type Rollup struct {
	Requests   int64    `json:"requests"`
	Tokens     int64    `json:"tokens"`
	Cost       float64  `json:"cost"`
	ByDay      []Bucket `json:"by_day"`
	ByProvider []Bucket `json:"by_provider"`
	ByModel    []Bucket `json:"by_model"`
}

// Summarize builds a Rollup from events already sorted by time ascending.
func Summarize(events []Event) Rollup {
	var r Rollup
	days := map[string]*Bucket{}
	providers := map[string]*Bucket{}
	models := map[string]*Bucket{}

	add := func(m map[string]*Bucket, key string, ev Event) {
		b, ok := m[key]
		if !ok {
			b = &Bucket{Key: key}
			m[key] = b
		}
		b.Requests++
		b.Tokens += ev.Tokens
		b.Cost += ev.Cost
	}

	for _, ev := range events {
		r.Requests++
		r.Tokens += ev.Tokens
		r.Cost += ev.Cost
		add(days, ev.OccurredAt.UTC().Format("2006-01-02"), ev)
		add(providers, ev.Provider, ev)
		add(models, ev.Model, ev)
	}

	r.ByDay = sortedBuckets(days)
	r.ByProvider = sortedBuckets(providers)
	r.ByModel = sortedBuckets(models)
	return r
}

func sortedBuckets(m map[string]*Bucket) []Bucket {
	out := make([]Bucket, 0, len(m))
	for _, b := range m {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
