// Package connectors defines the provider-facing contract the sync
// orchestrator drives. A connector speaks one upstream protocol and
// yields normalized pages; everything stateful (cursors, dedup,
// retries) lives above it.
package connectors

import (
	"context"

	"github.com/receipthq/reconcile/internal/infrastructure/storage"
)

// Kind distinguishes what a connection produces.
type Kind string

const (
	KindBank  Kind = "bank"
	KindEmail Kind = "email"
)

// Document is one receipt artifact pulled from a source, before the
// dedup layer has seen it. Extraction is non-nil when the source
// already carries structured fields (an email gateway that parses
// order confirmations, for example).
type Document struct {
	Filename   string
	Data       []byte
	Origin     storage.ReceiptOrigin
	Extraction *storage.ExtractionResult
}

// Page is one fetch result. NextCursor is the opaque resume token for
// the page after this one and is only durable once the page has been
// persisted. Quarantined counts malformed records the connector
// skipped rather than failing the page.
type Page struct {
	Transactions []*storage.Transaction
	Documents    []Document
	NextCursor   string
	HasMore      bool
	Quarantined  int
}

// Connector is a single upstream source of transactions or receipts.
type Connector interface {
	// ID is the connection identifier cursors are keyed by.
	ID() string

	// Kind reports what this connector produces.
	Kind() Kind

	// Fetch returns the page at the given cursor. An empty cursor means
	// the beginning of the stream. Failures are classified: TransientError
	// is retryable, AuthError halts the connection until reauthorized.
	Fetch(ctx context.Context, cursor string, pageSize int) (*Page, error)
}
