package model

// Record is one normalized item of a collection as returned by the remote API.
type Record struct {
	Key      string  `json:"key"`
	Mts      int64   `json:"mts"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency,omitempty"`

	// Derived by hooks before persistence.
	AmountUSD *float64 `json:"amount_usd,omitempty"`
	Balance   *float64 `json:"balance,omitempty"`

	Payload map[string]any `json:"payload"`
}

// Summary is an aggregate of a collection over a time window.
type Summary struct {
	Count int64   `json:"count" yaml:"count"`
	Sum   float64 `json:"sum" yaml:"sum"`
}

// CheckResult is the verdict of one collection's consistency check.
type CheckResult struct {
	Collection   string  `json:"collection" yaml:"collection"`
	OwnerID      string  `json:"owner_id,omitempty" yaml:"owner_id,omitempty"`
	SubOwnerID   string  `json:"sub_owner_id,omitempty" yaml:"sub_owner_id,omitempty"`
	IsConsistent bool    `json:"is_consistent" yaml:"is_consistent"`
	Skipped      bool    `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Expected     Summary `json:"expected" yaml:"expected"`
	Actual       Summary `json:"actual" yaml:"actual"`
	WindowStart  int64   `json:"window_start" yaml:"window_start"`
	WindowEnd    int64   `json:"window_end" yaml:"window_end"`
	Detail       string  `json:"detail,omitempty" yaml:"detail,omitempty"`
}
