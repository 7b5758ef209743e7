package qenv

import (
	"context"
	"fmt"
)

// TableKind is the storage kind the server reports for a table.
type TableKind int

const (
	// KindBinary is an in-memory table.
	KindBinary TableKind = iota

	// KindSplayed is a table splayed across one directory on disk.
	KindSplayed

	// KindPartitioned is a table partitioned over date (or similar)
	// directories on disk.
	KindPartitioned
)

// IsValid reports whether k is a recognized TableKind value.
func (k TableKind) IsValid() bool {
	switch k {
	case KindBinary, KindSplayed, KindPartitioned:
		return true
	default:
		return false
	}
}

// String returns the kind name as reported by Tables.
func (k TableKind) String() string {
	switch k {
	case KindBinary:
		return "binary"
	case KindSplayed:
		return "splayed"
	case KindPartitioned:
		return "partitioned"
	default:
		return fmt.Sprintf("TableKind(%d)", int(k))
	}
}

// tableKindFromClassifier maps the classifier expression's long codes:
// 1 partitioned, 0 splayed, -1 in-memory.
func tableKindFromClassifier(code int64) (TableKind, error) {
	switch code {
	case 1:
		return KindPartitioned, nil
	case 0:
		return KindSplayed, nil
	case -1:
		return KindBinary, nil
	default:
		return 0, fmt.Errorf("table classifier returned %d: %w", code, ErrEvaluation)
	}
}

// TableInfo is one row of the Tables introspection result.
type TableInfo struct {
	Name string
	Kind TableKind
}

// TableHandle is a lazily-bound reference to a server table: it carries the
// connection-string-style locator instead of materialized data, so
// downstream consumers can defer fetching.
type TableHandle struct {
	name    string
	kind    TableKind
	locator string
	s       *Session
}

// Name returns the table name.
func (h *TableHandle) Name() string {
	return h.name
}

// Kind returns the storage kind observed when the handle was created.
func (h *TableHandle) Kind() TableKind {
	return h.kind
}

// Locator returns the address of the table in the form
// kdb://user@host:port::table.
func (h *TableHandle) Locator() string {
	return h.locator
}

// String returns the locator.
func (h *TableHandle) String() string {
	return h.locator
}

// Fetch materializes the table through the owning session. The result is
// the server's tabular value, typically a qipc.Table.
func (h *TableHandle) Fetch(ctx context.Context) (any, error) {
	return h.s.Get(ctx, h.name)
}

// locatorFor renders the lazy-table locator for a table on the endpoint the
// credentials describe.
func locatorFor(creds *Credentials, table string) string {
	return fmt.Sprintf("%s://%s@%s:%d::%s",
		LocatorScheme, creds.Username, creds.Host, creds.Port, table)
}
