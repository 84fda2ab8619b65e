package bridge

import (
	"sync/atomic"

	"github.com/conneroisu/rtdebridge/internal/frame"
)

// TargetPoseCell holds the most recent complete pose written by any
// network session. Writes replace the whole pose; readers never observe a
// partially written value. The zero value is an empty cell.
type TargetPoseCell struct {
	pose atomic.Pointer[frame.Pose]
}

// NewTargetPoseCell returns an empty cell.
func NewTargetPoseCell() *TargetPoseCell {
	return &TargetPoseCell{}
}

// Store replaces the cell contents with p. Last write wins.
func (c *TargetPoseCell) Store(p frame.Pose) {
	c.pose.Store(&p)
}

// Load returns the current pose and whether the cell has ever been written.
func (c *TargetPoseCell) Load() (frame.Pose, bool) {
	p := c.pose.Load()
	if p == nil {
		return frame.Pose{}, false
	}
	return *p, true
}
