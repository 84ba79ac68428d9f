package testutil

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/ledgersync/internal/remote"
)

// PageFixture is a YAML file of scripted API responses:
//
//	method: getLedgers
//	pages:
//	  - res:
//	      - {id: 1, mts: 1700000000000, amount: 10.5, currency: usd}
type PageFixture struct {
	Method string `yaml:"method"`
	Pages  []struct {
		Res []map[string]any `yaml:"res"`
	} `yaml:"pages"`
}

// LoadPageFixture reads a fixture from path.
func LoadPageFixture(path string) (*PageFixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var fx PageFixture
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	if fx.Method == "" {
		return nil, fmt.Errorf("fixture %s: method is required", path)
	}
	return &fx, nil
}

// RemotePages converts the fixture into pages for FakeAPI.Script.
func (fx *PageFixture) RemotePages() []remote.Page {
	out := make([]remote.Page, len(fx.Pages))
	for i, p := range fx.Pages {
		out[i] = remote.Page{Res: p.Res}
	}
	return out
}

// Ledgers generates n ledger items of currency, newest first. Item i has
// id firstID+i, mts newest-i*stepMs and amount 1.
func Ledgers(n int, firstID, newest, stepMs int64, currency string) []map[string]any {
	out := make([]map[string]any, n)
	for i := 0; i < n; i++ {
		out[i] = map[string]any{
			"id":       float64(firstID + int64(i)),
			"mts":      float64(newest - int64(i)*stepMs),
			"amount":   1.0,
			"currency": currency,
		}
	}
	return out
}

// Trades generates n trade items, newest first, keyed from firstID.
func Trades(n int, firstID, newest, stepMs int64) []map[string]any {
	out := make([]map[string]any, n)
	for i := 0; i < n; i++ {
		out[i] = map[string]any{
			"id":          float64(firstID + int64(i)),
			"mtsCreate":   float64(newest - int64(i)*stepMs),
			"execAmount":  0.5,
			"feeCurrency": "USD",
		}
	}
	return out
}
