package backup

import (
	"context"

	"snapkeep/internal/runtime/lifecycle"
)

// VetoPolicy decides whether a shutdown attempt must wait for backup work.
// dirty is the number of dirty documents, pending the number of pending or
// in-flight backup jobs at the moment of the attempt.
//
// The policy is injected rather than baked in: whether a reload may proceed
// with dirty documents while a quit may not is an application decision.
type VetoPolicy func(reason lifecycle.Reason, dirty, pending int) bool

// DrainVetoPolicy blocks every shutdown reason while any dirty document or
// pending backup job exists. Conservative default: unresolved backup work is
// never safe to drop.
func DrainVetoPolicy(reason lifecycle.Reason, dirty, pending int) bool {
	return dirty > 0 || pending > 0
}

// RegisterShutdownGate wires the scheduler's pending-job set into the
// lifecycle coordinator. dirtyCount supplies the registry's current dirty
// count (nil means always 0); policy decides the veto outcome (nil means
// DrainVetoPolicy).
func (s *Scheduler) RegisterShutdownGate(lc *lifecycle.Coordinator, dirtyCount func() int, policy VetoPolicy) {
	if policy == nil {
		policy = DrainVetoPolicy
	}
	lc.OnShutdown(func(_ context.Context, reason lifecycle.Reason) bool {
		dirty := 0
		if dirtyCount != nil {
			dirty = dirtyCount()
		}
		return policy(reason, dirty, s.PendingCount())
	})
}
