// Package backup schedules debounced, cancellable recovery snapshots of dirty
// documents.
//
// The scheduler reacts to document membership and state-change events, owns a
// per-document content version counter used to fence stored backups against
// staleness, and keeps at most one pending backup job per document. Scheduling
// again cancels and replaces the prior job, so the backup write keeps getting
// pushed out while edits continue.
//
// It also participates in shutdown: the pending-job set is the authoritative
// source of "backup work not yet durably persisted", and an injected veto
// policy can block shutdown until it drains.
package backup
