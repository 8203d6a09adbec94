// Package segment defines SegmentControlHook: the narrow interface the
// core calls but does not implement, letting an external control plane
// own segment mount/remount/unmount.
package segment

import (
	"errors"

	"github.com/zetareticula/kvcached/internal/kverrors"
)

// Segment identifies one control-plane-managed segment.
type Segment struct {
	ID       string
	Name     string
	ClientID string
}

// Hook is the control-plane collaborator. Operations may fail with
// kverrors.ErrNotFound, which the core treats as success (idempotence);
// any other error propagates.
type Hook interface {
	MountSegment(seg Segment, clientID string) error
	RemountSegment(segs []Segment, clientID string) error
	UnmountSegment(segmentID, clientID string) error
}

// Noop is a Hook that always succeeds, the default when no real control
// plane is wired in — matching the original source's NoopSegmentOps.
type Noop struct{}

func (Noop) MountSegment(Segment, string) error    { return nil }
func (Noop) RemountSegment([]Segment, string) error { return nil }
func (Noop) UnmountSegment(string, string) error    { return nil }

var _ Hook = Noop{}

// IsIdempotentSuccess reports whether err should be treated as a benign
// no-op (segment unmount of an absent id, duplicate remount) rather than a
// propagated failure.
func IsIdempotentSuccess(err error) bool {
	return err == nil || errors.Is(err, kverrors.ErrNotFound)
}
