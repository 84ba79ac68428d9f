// Package model provides the core value types for ledgersync.
//
// This package contains type definitions only. All other internal packages
// import model; model imports nothing internal.
//
// Key design constraints:
//   - Timestamps that come from the exchange are unix milliseconds (int64)
//   - Zero timestamp means "unset" and is stored as NULL
//   - The empty OwnerID identifies the scheduler partition (public data)
package model
