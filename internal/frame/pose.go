package frame

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/conneroisu/rtdebridge/internal/errors"
)

// PoseSize is the number of values in a target pose.
const PoseSize = 6

// Pose is a target pose as sent by a client, in client order.
type Pose [PoseSize]float64

// ZeroPose is the neutral pose written before any client pose arrives.
var ZeroPose Pose

// DecodePose parses a client payload: a JSON array of exactly six finite
// numbers. Anything else is a decode error.
func DecodePose(payload []byte) (Pose, error) {
	var raw []*float64
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Pose{}, errors.NewDecodeError("pose must be a JSON array of numbers", err)
	}
	if len(raw) != PoseSize {
		return Pose{}, errors.NewDecodeError(
			fmt.Sprintf("pose must have %d values, got %d", PoseSize, len(raw)), nil)
	}

	var p Pose
	for i, v := range raw {
		if v == nil {
			return Pose{}, errors.NewDecodeError(fmt.Sprintf("pose value %d is null", i), nil)
		}
		if math.IsNaN(*v) || math.IsInf(*v, 0) {
			return Pose{}, errors.NewDecodeError(fmt.Sprintf("pose value %d is not finite", i), nil)
		}
		p[i] = *v
	}
	return p, nil
}

// MarshalJSON encodes the pose as a JSON array.
func (p Pose) MarshalJSON() ([]byte, error) {
	return json.Marshal([PoseSize]float64(p))
}

// ControllerVersion identifies the controller software.
type ControllerVersion struct {
	Major, Minor, Bugfix, Build uint32
}

// String formats the version as major.minor.bugfix, build N.
func (v ControllerVersion) String() string {
	return fmt.Sprintf("%d.%d.%d, build %d", v.Major, v.Minor, v.Bugfix, v.Build)
}
