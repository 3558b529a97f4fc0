package face

import (
	"errors"
	"fmt"
)

// DescriptorDim is the dimensionality every enrolled and queried feature
// vector must have. It matches the output of the recognition model running
// on the room controllers.
const DescriptorDim = 128

var (
	// ErrBadDimension is returned for vectors that are not exactly 128-d.
	ErrBadDimension = errors.New("descriptor must have exactly 128 components")
)

// Descriptor is a fixed-length face feature vector. Construct through
// NewDescriptor so the length invariant holds everywhere downstream.
type Descriptor []float32

// NewDescriptor validates the vector length at construction.
func NewDescriptor(features []float32) (Descriptor, error) {
	if len(features) != DescriptorDim {
		return nil, fmt.Errorf("%w (got %d)", ErrBadDimension, len(features))
	}
	d := make(Descriptor, DescriptorDim)
	copy(d, features)
	return d, nil
}

// NewDescriptorFromFloat64 converts a JSON-decoded vector.
func NewDescriptorFromFloat64(features []float64) (Descriptor, error) {
	if len(features) != DescriptorDim {
		return nil, fmt.Errorf("%w (got %d)", ErrBadDimension, len(features))
	}
	d := make(Descriptor, DescriptorDim)
	for i, f := range features {
		d[i] = float32(f)
	}
	return d, nil
}
