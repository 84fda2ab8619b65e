package frame

import (
	"fmt"

	"github.com/conneroisu/rtdebridge/internal/errors"
	"github.com/conneroisu/rtdebridge/internal/recipe"
)

// PoseRegister returns the setpoint field that carries pose index i.
func PoseRegister(i int) string {
	return fmt.Sprintf("input_double_register_%d", i)
}

// Setpoint is the transmit buffer for one controller input recipe. It is
// reused across cycles and owned by a single goroutine.
type Setpoint struct {
	recipeID uint8
	recipe   recipe.Recipe
	values   []interface{}
	pose     [PoseSize]int
}

// NewSetpoint allocates a zeroed buffer for an input recipe. The recipe must
// contain the six DOUBLE pose registers.
func NewSetpoint(recipeID uint8, r recipe.Recipe) (*Setpoint, error) {
	sp := &Setpoint{
		recipeID: recipeID,
		recipe:   r,
		values:   make([]interface{}, len(r.Fields)),
	}
	for i, f := range r.Fields {
		sp.values[i] = ZeroValue(f.Type)
	}
	for i := 0; i < PoseSize; i++ {
		idx := r.Index(PoseRegister(i))
		if idx < 0 {
			return nil, errors.NewConfigError(errors.ErrCodeRecipeInvalid,
				fmt.Sprintf("setpoint recipe %q lacks field %s", r.Key, PoseRegister(i)))
		}
		if r.Fields[idx].Type != recipe.TypeDouble {
			return nil, errors.NewConfigError(errors.ErrCodeRecipeInvalid,
				fmt.Sprintf("setpoint field %s must be %s", PoseRegister(i), recipe.TypeDouble))
		}
		sp.pose[i] = idx
	}
	return sp, nil
}

// RecipeID returns the input recipe id assigned by the controller.
func (s *Setpoint) RecipeID() uint8 {
	return s.recipeID
}

// Recipe returns the input recipe the buffer was built for.
func (s *Setpoint) Recipe() recipe.Recipe {
	return s.recipe
}

// Values returns the field values in recipe order. The slice is the
// buffer itself and must not be retained.
func (s *Setpoint) Values() []interface{} {
	return s.values
}

// SetPose writes p[i] into input_double_register_i for i = 0..5.
func (s *Setpoint) SetPose(p Pose) {
	for i, idx := range s.pose {
		s.values[idx] = p[i]
	}
}

// Pose reads the pose registers back.
func (s *Setpoint) Pose() Pose {
	var p Pose
	for i, idx := range s.pose {
		p[i], _ = s.values[idx].(float64)
	}
	return p
}

// ZeroValue returns the Go zero value used for a recipe field type.
func ZeroValue(typ string) interface{} {
	switch typ {
	case recipe.TypeBool:
		return false
	case recipe.TypeUint8:
		return uint8(0)
	case recipe.TypeUint32:
		return uint32(0)
	case recipe.TypeUint64:
		return uint64(0)
	case recipe.TypeInt32:
		return int32(0)
	case recipe.TypeDouble:
		return float64(0)
	case recipe.TypeVector3D:
		return make([]float64, 3)
	case recipe.TypeVector6D:
		return make([]float64, 6)
	case recipe.TypeVector6Int32:
		return make([]int32, 6)
	case recipe.TypeVector6Uint32:
		return make([]uint32, 6)
	default:
		return nil
	}
}
