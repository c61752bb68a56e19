// Package fusion contains the multi-stream time-synchronization core of
// the node: per-channel arrival bookkeeping, the fusion-mask activation
// policy and the orchestrator that converts decoded sensor events into
// estimator measurements.
package fusion

import (
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/skyhook-robotics/eskf/spatial"
)

// Orchestrator receives decoded sensor events, computes per-channel
// inter-arrival deltas and forwards well-formed measurements to the
// estimator. It is not safe for concurrent use: the surrounding
// dispatcher must invoke at most one handler at a time.
type Orchestrator struct {
	est    Estimator
	mask   Mask
	logger golog.Logger

	imuStream    TimedStream
	visionStream TimedStream
	gpsStream    TimedStream
	flowStream   TimedStream

	initialized bool
	seq         uint64
}

// NewOrchestrator wires an orchestrator to its estimator and hands the
// fusion mask down to it.
func NewOrchestrator(est Estimator, mask Mask, logger golog.Logger) *Orchestrator {
	est.SetFusionMask(mask)
	return &Orchestrator{est: est, mask: mask, logger: logger}
}

// Mask returns the fusion mask the orchestrator was built with.
func (o *Orchestrator) Mask() Mask {
	return o.mask
}

// Initialized reports whether the filter has received its first
// propagation step. It latches true and never resets.
func (o *Orchestrator) Initialized() bool {
	return o.initialized
}

// OnIMU handles one inertial measurement. The first IMU event of the
// process only seeds the time baseline; the second is the first to carry
// a delta and marks the filter initialized.
func (o *Orchestrator) OnIMU(wm, am r3.Vector, timestampUs uint64, stamp time.Time) {
	delta, ok := o.imuStream.Observe(stamp)
	if !ok {
		return
	}
	if !o.initialized {
		o.initialized = true
		o.logger.Info("estimator initialized")
	}
	o.est.Propagate(ImuSample{
		AngularRate: wm,
		LinearAccel: am,
		TimestampUs: timestampUs,
		Delta:       delta,
	})
}

// OnVision handles one external vision pose.
func (o *Orchestrator) OnVision(q spatial.Quaternion, pos r3.Vector, timestampUs uint64, stamp time.Time) {
	delta, ok := o.visionStream.Observe(stamp)
	if !ok {
		return
	}
	o.est.CorrectVision(VisionSample{
		Orientation: q,
		Position:    pos,
		TimestampUs: timestampUs,
		Delta:       delta,
	})
}

// OnGPS handles one GPS odometry message.
func (o *Orchestrator) OnGPS(vel, pos r3.Vector, timestampUs uint64, stamp time.Time) {
	delta, ok := o.gpsStream.Observe(stamp)
	if !ok {
		return
	}
	o.est.CorrectGPS(GpsSample{
		Velocity:    vel,
		Position:    pos,
		TimestampUs: timestampUs,
		Delta:       delta,
	})
}

// OnOpticalFlow handles one integrated optical-flow message.
func (o *Orchestrator) OnOpticalFlow(
	integrated, integratedGyro r2.Point,
	integrationTimeUs uint32,
	distance float64,
	quality uint8,
	timestampUs uint64,
	stamp time.Time,
) {
	delta, ok := o.flowStream.Observe(stamp)
	if !ok {
		return
	}
	o.est.CorrectOpticalFlow(OpticalFlowSample{
		Integrated:        integrated,
		IntegratedGyro:    integratedGyro,
		IntegrationTimeUs: integrationTimeUs,
		Distance:          distance,
		Quality:           quality,
		TimestampUs:       timestampUs,
		Delta:             delta,
	})
}

// OnLandedState forwards the discrete landed/airborne signal. No timing
// is involved; the event is always forwarded.
func (o *Orchestrator) OnLandedState(inAir bool) {
	o.est.SetLandedState(inAir)
}

// PublishTick samples the estimator's current belief and produces the
// next FusedPose. It runs unconditionally on the fixed-rate trigger,
// before initialization included, in which case it reports the
// estimator's prior.
func (o *Orchestrator) PublishTick(now time.Time) FusedPose {
	pose := FusedPose{
		Orientation: o.est.Orientation(),
		Position:    o.est.Position(),
		Seq:         o.seq,
		Stamp:       now,
	}
	o.seq++
	return pose
}
