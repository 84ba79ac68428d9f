package schema

import (
	"sort"

	"github.com/roach88/ledgersync/internal/model"
)

// CandlesCollection holds the market candles used for USD conversion.
const CandlesCollection = "candles"

var catalog = []model.Collection{
	{
		Name: "ledgers", Method: "getLedgers", DateField: "mts", KeyFields: []string{"id"},
		Scope: model.ScopePrivate, AmountField: "amount", CurrencyField: "currency",
		BalanceField: "balance", Checker: model.CheckSum,
	},
	{
		Name: "trades", Method: "getTrades", DateField: "mtsCreate", KeyFields: []string{"id"},
		Scope: model.ScopePrivate, AmountField: "execAmount", CurrencyField: "feeCurrency",
		Checker: model.CheckCount,
	},
	{
		Name: "fundingTrades", Method: "getFundingTrades", DateField: "mtsCreate", KeyFields: []string{"id"},
		Scope: model.ScopePrivate, AmountField: "amount", Checker: model.CheckCount,
	},
	{
		Name: "orders", Method: "getOrders", DateField: "mtsUpdate", KeyFields: []string{"id"},
		Scope: model.ScopePrivate, Mutable: true, AmountField: "amountOrig", Checker: model.CheckCount,
	},
	{
		Name: "movements", Method: "getMovements", DateField: "mtsUpdated", KeyFields: []string{"id"},
		Scope: model.ScopePrivate, Mutable: true, AmountField: "amount", CurrencyField: "currency",
		Checker: model.CheckSum,
	},
	{
		Name: "positionsHistory", Method: "getPositionsHistory", DateField: "mtsUpdate", KeyFields: []string{"id"},
		Scope: model.ScopePrivate, Mutable: true, AmountField: "amount", Checker: model.CheckCount,
	},
	{
		Name: "logins", Method: "getLogins", DateField: "time", KeyFields: []string{"id"},
		Scope: model.ScopePrivate, Checker: model.CheckCount,
	},
	{
		Name: "publicTrades", Method: "getPublicTrades", DateField: "mts", KeyFields: []string{"id"},
		Scope: model.ScopePublic, AmountField: "amount", Checker: model.CheckCount,
	},
	{
		Name: CandlesCollection, Method: "getCandles", DateField: "mts", KeyFields: []string{"symbol", "mts"},
		Scope: model.ScopePublic, AmountField: "close", Checker: model.CheckCount,
	},
}

// Collections returns a copy of the catalog in declaration order.
func Collections() []model.Collection {
	out := make([]model.Collection, len(catalog))
	copy(out, catalog)
	return out
}

// Lookup finds a collection by name.
func Lookup(name string) (model.Collection, bool) {
	for _, c := range catalog {
		if c.Name == name {
			return c, true
		}
	}
	return model.Collection{}, false
}

// ForScope returns the catalog collections of one scope.
func ForScope(scope model.Scope) []model.Collection {
	var out []model.Collection
	for _, c := range catalog {
		if c.Scope == scope {
			out = append(out, c)
		}
	}
	return out
}

// Names returns the sorted collection names.
func Names() []string {
	names := make([]string, len(catalog))
	for i, c := range catalog {
		names[i] = c.Name
	}
	sort.Strings(names)
	return names
}
