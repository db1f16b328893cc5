package models

// ModelPrice is a per-million-token price table entry for one model.
type ModelPrice struct {
	InputUSDPerMillion       float64 `yaml:"input_usd_per_million"`
	OutputUSDPerMillion      float64 `yaml:"output_usd_per_million"`
	CacheCreateUSDPerMillion float64 `yaml:"cache_create_usd_per_million"`
	CacheReadUSDPerMillion   float64 `yaml:"cache_read_usd_per_million"`
}

// Estimate computes the USD cost of usage under this price table entry.
func (p ModelPrice) Estimate(u TokenUsage) float64 {
	total := float64(u.InputTokens)*p.InputUSDPerMillion +
		float64(u.OutputTokens)*p.OutputUSDPerMillion +
		float64(u.CacheCreateTokens)*p.CacheCreateUSDPerMillion +
		float64(u.CacheReadTokens)*p.CacheReadUSDPerMillion
	return total / 1_000_000
}

// Bucket is one (date-or-month, model) aggregate in the cost ledger.
type Bucket struct {
	Usage   TokenUsage `json:"usage"`
	CostUSD float64    `json:"costUSD"`
}

// Add accumulates a charged usage event into the bucket.
func (b *Bucket) Add(u TokenUsage, costUSD float64) {
	b.Usage.Add(u)
	b.CostUSD += costUSD
}

// BackgroundTaskSpec is C10's transient routing decision. Never persisted.
type BackgroundTaskSpec struct {
	Description    string
	UserReplyText  string
}
