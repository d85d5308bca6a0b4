// Package stmtcache caches prepared statements per database connection.
//
// A Conn owns one KeyedObjectPool of statements keyed by their SQL and
// execution flags. Closing a Statement returns it to that pool instead of
// releasing it, so the next Prepare of the same SQL on the same connection
// skips the round trip to the server.
//
// Statements are only ever destroyed outside the cache lock. Destroy failures
// are reported through the connection's failure hook, which may take locks
// of its own (a connection manager typically does), so the hook must never
// run while the cache lock is held.
package stmtcache

import (
	"fmt"
	"strings"
)

// Execution flags recorded in a Key. They are opaque to the cache and only
// take part in key equality.
const (
	ResultSetForwardOnly  = 1003
	ConcurrencyReadOnly   = 1007
	HoldCursorsOverCommit = 1
	NoGeneratedKeys       = 2
)

// Key identifies a cached statement. Two statements are interchangeable only
// if every field matches.
type Key struct {
	SQL               string
	ResultSetType     int
	Concurrency       int
	Holdability       int
	AutoGeneratedKeys int
}

// NewKey returns the key of a plain forward-only, read-only statement.
func NewKey(sql string) Key {
	return Key{
		SQL:               sql,
		ResultSetType:     ResultSetForwardOnly,
		Concurrency:       ConcurrencyReadOnly,
		Holdability:       HoldCursorsOverCommit,
		AutoGeneratedKeys: NoGeneratedKeys,
	}
}

// WithGeneratedKeys returns a copy of k that asks for generated keys.
func (k Key) WithGeneratedKeys() Key {
	k.AutoGeneratedKeys = 1
	return k
}

// String renders the key for logs, truncating long SQL.
func (k Key) String() string {
	sql := strings.Join(strings.Fields(k.SQL), " ")
	if len(sql) > 64 {
		sql = sql[:61] + "..."
	}
	return fmt.Sprintf("%q[%d,%d,%d,%d]", sql,
		k.ResultSetType, k.Concurrency, k.Holdability, k.AutoGeneratedKeys)
}
