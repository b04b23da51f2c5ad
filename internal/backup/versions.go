package backup

// versionTracker maintains a monotonically increasing content version per
// document URI. The version recorded alongside a stored backup fences it
// against being overwritten by a stale snapshot.
//
// Not safe for concurrent use on its own; the scheduler guards it with its
// mutex together with the pending-job map.
type versionTracker struct {
	versions map[string]int64
}

func newVersionTracker() *versionTracker {
	return &versionTracker{versions: map[string]int64{}}
}

// bump increments and returns the document's version.
// Documents never seen before start at 0, so the first bump yields 1.
func (t *versionTracker) bump(uri string) int64 {
	v := t.versions[uri] + 1
	t.versions[uri] = v
	return v
}

// current returns the last recorded version, or 0 if never bumped.
func (t *versionTracker) current(uri string) int64 {
	return t.versions[uri]
}

func (t *versionTracker) forget(uri string) {
	delete(t.versions, uri)
}
