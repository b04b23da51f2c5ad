package document

import (
	"errors"
	"sync"

	logx "snapkeep/pkg/logx"
)

var ErrAlreadyRegistered = errors.New("document already registered")

// Listener receives document membership and state-change events.
//
// Events are delivered synchronously on the goroutine that triggered them.
// Listeners must not block.
type Listener interface {
	DocumentRegistered(doc Document)
	DocumentUnregistered(doc Document)
	DocumentDirtyChanged(doc Document)
	DocumentContentChanged(doc Document)
}

// Registry tracks the set of live documents and fans out membership and
// state-change events to subscribed listeners.
//
// The registry does not own document state: dirty/untitled are queried from
// the document itself. It only owns membership.
type Registry struct {
	mu        sync.Mutex
	docs      map[string]Document
	listeners []Listener

	log logx.Logger
}

func NewRegistry(log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		docs: map[string]Document{},
		log:  log,
	}
}

// Subscribe registers a listener for all future events.
// It does not replay past registrations; use Dirty() for attach-time backfill.
func (r *Registry) Subscribe(l Listener) {
	if l == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

func (r *Registry) Unsubscribe(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.listeners {
		if s == l {
			last := len(r.listeners) - 1
			r.listeners[i] = r.listeners[last]
			r.listeners[last] = nil
			r.listeners = r.listeners[:last]
			return
		}
	}
}

func (r *Registry) Add(doc Document) error {
	if doc == nil {
		return errors.New("nil document")
	}
	uri := doc.URI()
	r.mu.Lock()
	if _, ok := r.docs[uri]; ok {
		r.mu.Unlock()
		return ErrAlreadyRegistered
	}
	r.docs[uri] = doc
	ls := r.listenersLocked()
	r.mu.Unlock()

	r.log.Debug("document registered", logx.String("uri", uri), logx.Bool("dirty", doc.Dirty()))
	for _, l := range ls {
		l.DocumentRegistered(doc)
	}
	return nil
}

// Remove unregisters the document with the given URI.
// Unknown URIs are a no-op.
func (r *Registry) Remove(uri string) {
	r.mu.Lock()
	doc, ok := r.docs[uri]
	if ok {
		delete(r.docs, uri)
	}
	ls := r.listenersLocked()
	r.mu.Unlock()

	if !ok {
		return
	}
	r.log.Debug("document unregistered", logx.String("uri", uri))
	for _, l := range ls {
		l.DocumentUnregistered(doc)
	}
}

func (r *Registry) Get(uri string) (Document, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[uri]
	return doc, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.docs)
}

// IsDirty reports whether a registered document with the given URI is dirty.
// Unknown URIs report false.
func (r *Registry) IsDirty(uri string) bool {
	doc, ok := r.Get(uri)
	return ok && doc.Dirty()
}

// Dirty returns a snapshot of all currently dirty documents.
func (r *Registry) Dirty() []Document {
	r.mu.Lock()
	docs := make([]Document, 0, len(r.docs))
	for _, d := range r.docs {
		docs = append(docs, d)
	}
	r.mu.Unlock()

	out := docs[:0]
	for _, d := range docs {
		if d.Dirty() {
			out = append(out, d)
		}
	}
	return out
}

// DirtyCount returns the number of currently dirty documents.
func (r *Registry) DirtyCount() int {
	return len(r.Dirty())
}

// NotifyDirtyChanged announces that the document's dirty flag flipped.
// The new value is queried from the document itself.
func (r *Registry) NotifyDirtyChanged(uri string) {
	doc, ls, ok := r.lookup(uri)
	if !ok {
		return
	}
	r.log.Debug("document dirty changed", logx.String("uri", uri), logx.Bool("dirty", doc.Dirty()))
	for _, l := range ls {
		l.DocumentDirtyChanged(doc)
	}
}

// NotifyContentChanged announces that the document's content changed.
func (r *Registry) NotifyContentChanged(uri string) {
	doc, ls, ok := r.lookup(uri)
	if !ok {
		return
	}
	for _, l := range ls {
		l.DocumentContentChanged(doc)
	}
}

func (r *Registry) lookup(uri string) (Document, []Listener, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[uri]
	if !ok {
		return nil, nil, false
	}
	return doc, r.listenersLocked(), true
}

// listenersLocked returns a copy so events can be delivered outside the lock.
func (r *Registry) listenersLocked() []Listener {
	if len(r.listeners) == 0 {
		return nil
	}
	return append([]Listener(nil), r.listeners...)
}
