package config

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/ledgersync/internal/engine"
	"github.com/roach88/ledgersync/internal/remote"
)

// UnknownAccountError is returned for an owner or sub-account missing from
// the accounts section.
type UnknownAccountError struct {
	Owner    string
	SubOwner string
}

func (e *UnknownAccountError) Error() string {
	if e.SubOwner != "" {
		return fmt.Sprintf("unknown sub-account %q of owner %q", e.SubOwner, e.Owner)
	}
	return fmt.Sprintf("unknown owner %q", e.Owner)
}

// Accounts serves credentials and sub-account lists from the accounts
// section of a Config.
type Accounts map[string]Account

var (
	_ remote.CredentialSource = Accounts(nil)
	_ engine.SubAccountSource = Accounts(nil)
)

func (a Accounts) lookup(owner string) (Account, bool) {
	acc, ok := a[strings.ToLower(owner)]
	return acc, ok
}

// Credentials implements remote.CredentialSource. An empty subOwner
// selects the master account.
func (a Accounts) Credentials(_ context.Context, owner, subOwner string) (remote.Auth, error) {
	acc, ok := a.lookup(owner)
	if !ok {
		return remote.Auth{}, &UnknownAccountError{Owner: owner}
	}
	if subOwner == "" {
		return acc.Auth(), nil
	}
	sub, ok := acc.SubAccounts[strings.ToLower(subOwner)]
	if !ok {
		return remote.Auth{}, &UnknownAccountError{Owner: owner, SubOwner: subOwner}
	}
	return sub.Auth(), nil
}

// SubOwners implements engine.SubAccountSource. Unknown owners have no
// sub-accounts.
func (a Accounts) SubOwners(_ context.Context, owner string) ([]string, error) {
	acc, ok := a.lookup(owner)
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, len(acc.SubAccounts))
	for sub := range acc.SubAccounts {
		out = append(out, sub)
	}
	sort.Strings(out)
	return out, nil
}
