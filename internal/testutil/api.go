package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/ledgersync/internal/remote"
)

// FakeCall is one recorded request.
type FakeCall struct {
	Method string
	Args   remote.Args
}

// FakeAPI is an in-memory remote.API.
//
// A method is served in one of two modes:
//   - scripted: Script queues pages returned in order, ignoring bounds;
//     once drained the method returns empty pages
//   - dataset: Dataset stores records that are filtered by [start, end]
//     on a date field, sorted newest first and cut at limit
//
// Fail queues errors that are returned before either mode is consulted.
type FakeAPI struct {
	mu       sync.Mutex
	scripts  map[string][]remote.Page
	datasets map[string]dataset
	failures map[string][]error
	calls    []FakeCall

	// OnCall runs after a call is recorded and before it is served.
	OnCall func(call FakeCall)
}

type dataset struct {
	dateField string
	records   []map[string]any
}

var _ remote.API = (*FakeAPI)(nil)

// NewFakeAPI creates an API that serves empty pages for every method.
func NewFakeAPI() *FakeAPI {
	return &FakeAPI{
		scripts:  make(map[string][]remote.Page),
		datasets: make(map[string]dataset),
		failures: make(map[string][]error),
	}
}

// Script appends pages to the scripted responses of method.
func (f *FakeAPI) Script(method string, pages ...remote.Page) *FakeAPI {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[method] = append(f.scripts[method], pages...)
	return f
}

// Dataset replaces the records served by method in bounds-honoring mode.
func (f *FakeAPI) Dataset(method, dateField string, records []map[string]any) *FakeAPI {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]map[string]any, len(records))
	copy(cp, records)
	f.datasets[method] = dataset{dateField: dateField, records: cp}
	return f
}

// Add appends records to the dataset of method.
func (f *FakeAPI) Add(method string, records ...map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ds := f.datasets[method]
	ds.records = append(ds.records, records...)
	f.datasets[method] = ds
}

// Fail queues errs to be returned by the next calls of method.
func (f *FakeAPI) Fail(method string, errs ...error) *FakeAPI {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method] = append(f.failures[method], errs...)
	return f
}

// Calls returns the recorded requests in order.
func (f *FakeAPI) Calls() []FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsTo returns the recorded requests of method.
func (f *FakeAPI) CallsTo(method string) []FakeCall {
	var out []FakeCall
	for _, c := range f.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Call implements remote.API.
func (f *FakeAPI) Call(ctx context.Context, method string, args remote.Args) (*remote.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	call := FakeCall{Method: method, Args: args}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	hook := f.OnCall
	f.mu.Unlock()

	if hook != nil {
		hook(call)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if errs := f.failures[method]; len(errs) > 0 {
		f.failures[method] = errs[1:]
		return nil, errs[0]
	}
	if pages := f.scripts[method]; len(pages) > 0 {
		f.scripts[method] = pages[1:]
		p := pages[0]
		return &p, nil
	}
	if ds, ok := f.datasets[method]; ok {
		return ds.page(args.Params)
	}
	return &remote.Page{}, nil
}

func (ds dataset) page(p remote.Params) (*remote.Page, error) {
	type item struct {
		mts int64
		rec map[string]any
	}
	var items []item
	for _, r := range ds.records {
		mts, err := millis(r[ds.dateField])
		if err != nil {
			return nil, err
		}
		if p.Start > 0 && mts < p.Start {
			continue
		}
		if p.End > 0 && mts > p.End {
			continue
		}
		items = append(items, item{mts: mts, rec: r})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].mts > items[j].mts })
	if p.Limit > 0 && len(items) > p.Limit {
		items = items[:p.Limit]
	}

	page := &remote.Page{Res: make([]map[string]any, len(items))}
	for i, it := range items {
		page.Res[i] = it.rec
	}
	return page, nil
}

func millis(v any) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int64:
		return x, nil
	case float64:
		return int64(x), nil
	default:
		return 0, fmt.Errorf("fake api: date field has type %T", v)
	}
}
