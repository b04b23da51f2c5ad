package document

import "context"

// Document is an editable unit tracked for unsaved-state protection.
//
// Implementations are owned by the host (an editor frontend, the directory
// watcher, a test fake). The backup machinery only ever holds the URI as a key
// and queries the rest on demand.
type Document interface {
	// URI is the stable identity of the document. It must not change for the
	// lifetime of the document.
	URI() string

	// Dirty reports whether the document has unsaved changes relative to its
	// durable location.
	Dirty() bool

	// Untitled reports whether the document has no durable location yet.
	// Auto-save never applies to untitled documents.
	Untitled() bool

	// Snapshot captures the current content for backup purposes.
	// It must honor ctx cancellation.
	Snapshot(ctx context.Context) (Snapshot, error)
}

// Snapshot is content captured from a document at a point in time, plus any
// metadata the document wants persisted alongside its backup.
type Snapshot struct {
	Content []byte
	Meta    map[string]string
}
