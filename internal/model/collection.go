package model

// Scope tells whether a collection is synced per account or shared.
type Scope string

const (
	// ScopePrivate collections belong to one owner (and optionally a sub-owner).
	ScopePrivate Scope = "private"
	// ScopePublic collections are shared market data synced by the scheduler.
	ScopePublic Scope = "public"
)

// CheckKind selects the comparison rule used by the consistency checker.
type CheckKind string

const (
	// CheckCount compares record counts exactly.
	CheckCount CheckKind = "count"
	// CheckSum compares the sum of the amount field within an epsilon.
	CheckSum CheckKind = "sum"
)

// Collection is an immutable catalog entry describing one synchronizable dataset.
type Collection struct {
	Name      string   `json:"name" yaml:"name"`
	Method    string   `json:"method" yaml:"method"`         // remote API method
	DateField string   `json:"date_field" yaml:"date_field"` // pages are ordered by this field, descending
	KeyFields []string `json:"key_fields" yaml:"key_fields"` // business key, joined with ":"
	Scope     Scope    `json:"scope" yaml:"scope"`

	// Mutable rows are updated on key conflict (e.g. order state changes).
	Mutable bool `json:"mutable" yaml:"mutable"`

	AmountField   string `json:"amount_field,omitempty" yaml:"amount_field,omitempty"`
	CurrencyField string `json:"currency_field,omitempty" yaml:"currency_field,omitempty"`
	BalanceField  string `json:"balance_field,omitempty" yaml:"balance_field,omitempty"`

	Checker CheckKind `json:"checker" yaml:"checker"`
}

// IsPublic reports whether the collection belongs to the scheduler partition.
func (c Collection) IsPublic() bool {
	return c.Scope == ScopePublic
}
