// Package remote defines the exchange API contract consumed by the sync
// engine, plus the transports and wrappers that implement it.
//
// Every collection maps to one API method. A call returns one page of
// records ordered by the collection's date field, newest first.
package remote

import "context"

// API dispatches one paged request.
type API interface {
	Call(ctx context.Context, method string, args Args) (*Page, error)
}

// APIFunc adapts a function to API.
type APIFunc func(ctx context.Context, method string, args Args) (*Page, error)

// Call implements API.
func (f APIFunc) Call(ctx context.Context, method string, args Args) (*Page, error) {
	return f(ctx, method, args)
}

// Auth carries the credentials of one account. The engine passes it through
// untouched.
type Auth struct {
	APIKey    string `json:"apiKey,omitempty" yaml:"api_key,omitempty"`
	APISecret string `json:"apiSecret,omitempty" yaml:"api_secret,omitempty"`
	AuthToken string `json:"authToken,omitempty" yaml:"auth_token,omitempty"`
}

// IsZero reports whether no credential is set.
func (a Auth) IsZero() bool {
	return a.APIKey == "" && a.APISecret == "" && a.AuthToken == ""
}

// Params bounds a page request. Start and End are unix milliseconds,
// inclusive; zero means unbounded.
type Params struct {
	Start  int64          `json:"start,omitempty"`
	End    int64          `json:"end,omitempty"`
	Limit  int            `json:"limit,omitempty"`
	Filter map[string]any `json:"filter,omitempty"`
}

// Args is the request envelope.
type Args struct {
	Auth   Auth   `json:"auth"`
	Params Params `json:"params"`
}

// Page is one response page. NextPage is an opaque hint from the API; the
// engine paginates by date and ignores it.
type Page struct {
	Res      []map[string]any `json:"res"`
	NextPage any              `json:"nextPage,omitempty"`
}

// Summary is the remote side of a consistency check.
type Summary struct {
	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
}

// Summarizer is implemented by APIs that can aggregate a window remotely.
// Checkers fall back to paging through Call when the API does not.
type Summarizer interface {
	Summarize(ctx context.Context, method string, args Args, amountField string) (*Summary, error)
}

// CredentialSource resolves the Auth of an account. subOwner is empty for
// the master account.
type CredentialSource interface {
	Credentials(ctx context.Context, owner, subOwner string) (Auth, error)
}

// CredentialFunc adapts a function to CredentialSource.
type CredentialFunc func(ctx context.Context, owner, subOwner string) (Auth, error)

// Credentials implements CredentialSource.
func (f CredentialFunc) Credentials(ctx context.Context, owner, subOwner string) (Auth, error) {
	return f(ctx, owner, subOwner)
}
