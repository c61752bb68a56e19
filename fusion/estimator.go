package fusion

import (
	"github.com/golang/geo/r3"

	"github.com/skyhook-robotics/eskf/spatial"
)

// Estimator is the recursive state estimator the orchestrator drives.
// Propagate is the time update; the Correct methods are measurement
// updates. Implementations must tolerate corrections interleaved with
// propagations in arbitrary serial order, including corrections that
// arrive before the first propagation.
type Estimator interface {
	// SetFusionMask tells the estimator which correction channels the
	// deployment fuses. Called once before any measurement is delivered.
	SetFusionMask(mask Mask)

	Propagate(sample ImuSample)
	CorrectVision(sample VisionSample)
	CorrectGPS(sample GpsSample)
	CorrectOpticalFlow(sample OpticalFlowSample)
	SetLandedState(inAir bool)

	// Orientation and Position report the current belief. They must be
	// callable at any time, returning the prior before initialization.
	Orientation() spatial.Quaternion
	Position() r3.Vector
}
