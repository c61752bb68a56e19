// Package eskf implements the error-state Kalman filter the fusion node
// drives: IMU-driven propagation of a nominal attitude/velocity/position
// state with gyro and accelerometer biases, plus vision, GPS and
// optical-flow measurement updates gated by the fusion mask.
package eskf

import (
	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/skyhook-robotics/eskf/fusion"
	"github.com/skyhook-robotics/eskf/spatial"
)

// stateDim is the error-state dimension: attitude (3), velocity (3),
// position (3), gyro bias (3), accelerometer bias (3).
const stateDim = 15

// Error-state block offsets.
const (
	idxAtt = 0
	idxVel = 3
	idxPos = 6
	idxBg  = 9
	idxBa  = 12
)

// gravity is the NED gravity vector (z down).
var gravity = r3.Vector{Z: 9.80665}

// Config holds the filter's noise tuning. Values are variances unless
// noted otherwise.
type Config struct {
	GyroNoise      float64 // rad^2/s^2 per second
	AccelNoise     float64 // (m/s^2)^2 per second
	GyroBiasWalk   float64
	AccelBiasWalk  float64
	VisionPosNoise float64
	VisionYawNoise float64
	GpsPosNoise    float64
	GpsVelNoise    float64
	FlowNoise      float64

	// MinFlowQuality rejects optical-flow samples below this sensor
	// quality indicator.
	MinFlowQuality uint8

	// MaxDelta bounds a single propagation step in seconds; longer gaps
	// propagate the nominal state but skip covariance growth to avoid
	// blowing up P after a stream stall.
	MaxDelta float64

	// InitialUncertainty seeds the diagonal of P.
	InitialUncertainty float64
}

// DefaultConfig returns the tuning used in flight.
func DefaultConfig() Config {
	return Config{
		GyroNoise:          1e-4,
		AccelNoise:         1e-2,
		GyroBiasWalk:       1e-7,
		AccelBiasWalk:      1e-6,
		VisionPosNoise:     0.02,
		VisionYawNoise:     0.01,
		GpsPosNoise:        1.0,
		GpsVelNoise:        0.09,
		FlowNoise:          0.25,
		MinFlowQuality:     50,
		MaxDelta:           0.5,
		InitialUncertainty: 0.1,
	}
}

// Filter is an error-state Kalman filter over a 15-dimensional error
// state. It is not safe for concurrent use; the node's serialized
// dispatch is the locking discipline.
type Filter struct {
	cfg    Config
	logger golog.Logger
	mask   fusion.Mask

	// Nominal state.
	q  spatial.Quaternion
	v  r3.Vector
	p  r3.Vector
	bg r3.Vector
	ba r3.Vector

	// Error-state covariance.
	cov *mat.Dense

	propagated bool
	inAir      bool
}

var _ fusion.Estimator = (*Filter)(nil)

// New creates a filter with the given tuning. The attitude prior is
// level, everything else zero.
func New(cfg Config, logger golog.Logger) *Filter {
	cov := mat.NewDense(stateDim, stateDim, nil)
	for i := 0; i < stateDim; i++ {
		cov.Set(i, i, cfg.InitialUncertainty)
	}
	return &Filter{
		cfg:    cfg,
		logger: logger,
		q:      spatial.NewZeroRotation(),
		cov:    cov,
	}
}

// SetFusionMask configures which correction channels the filter fuses.
func (f *Filter) SetFusionMask(mask fusion.Mask) {
	f.mask = mask
	f.logger.Infow("fusion mask configured", "channels", mask.String())
}

// Orientation returns the current attitude belief.
func (f *Filter) Orientation() spatial.Quaternion {
	return f.q
}

// Position returns the current position belief in meters.
func (f *Filter) Position() r3.Vector {
	return f.p
}

// Velocity returns the current velocity belief in m/s.
func (f *Filter) Velocity() r3.Vector {
	return f.v
}

// Propagate runs one time-update step from an IMU sample. Samples with a
// non-positive delta (out-of-order wall clocks upstream) are dropped.
func (f *Filter) Propagate(s fusion.ImuSample) {
	dt := s.Delta
	if dt <= 0 {
		f.logger.Debugw("dropping imu sample with non-positive delta", "delta", dt)
		return
	}

	wm := s.AngularRate.Sub(f.bg)
	am := s.LinearAccel.Sub(f.ba)

	// Nominal state integration.
	rot := rotationMatrix(f.q)
	accWorld := matVec(rot, am).Add(gravity)
	f.p = f.p.Add(f.v.Mul(dt)).Add(accWorld.Mul(0.5 * dt * dt))
	f.v = f.v.Add(accWorld.Mul(dt))
	f.q = f.q.Integrate(wm, dt)

	f.propagated = true

	if dt > f.cfg.MaxDelta {
		f.logger.Warnw("propagation gap exceeds max delta; skipping covariance growth", "delta", dt)
		return
	}

	// Error-state transition F = I + A*dt with the standard ESKF blocks.
	F := mat.NewDense(stateDim, stateDim, nil)
	for i := 0; i < stateDim; i++ {
		F.Set(i, i, 1)
	}
	addToBlock(F, idxAtt, idxAtt, skew(wm), -dt)
	addToBlock(F, idxAtt, idxBg, eye3(), -dt)
	var rotAm mat.Dense
	rotAm.Mul(rot, skew(am))
	addToBlock(F, idxVel, idxAtt, &rotAm, -dt)
	addToBlock(F, idxVel, idxBa, rot, -dt)
	addToBlock(F, idxPos, idxVel, eye3(), dt)

	var fp, fpf mat.Dense
	fp.Mul(F, f.cov)
	fpf.Mul(&fp, F.T())
	f.cov.Copy(&fpf)

	for i := 0; i < 3; i++ {
		f.cov.Set(idxAtt+i, idxAtt+i, f.cov.At(idxAtt+i, idxAtt+i)+f.cfg.GyroNoise*dt)
		f.cov.Set(idxVel+i, idxVel+i, f.cov.At(idxVel+i, idxVel+i)+f.cfg.AccelNoise*dt)
		f.cov.Set(idxBg+i, idxBg+i, f.cov.At(idxBg+i, idxBg+i)+f.cfg.GyroBiasWalk*dt)
		f.cov.Set(idxBa+i, idxBa+i, f.cov.At(idxBa+i, idxBa+i)+f.cfg.AccelBiasWalk*dt)
	}
	f.symmetrize()
}

// CorrectVision fuses an external vision pose according to the EV bits
// of the mask.
func (f *Filter) CorrectVision(s fusion.VisionSample) {
	if !f.propagated || !f.mask.Wants(fusion.ChannelVision) {
		return
	}
	if f.mask&fusion.MaskEVPos != 0 {
		f.correctPositionAxes(s.Position, [3]bool{true, true, false}, f.cfg.VisionPosNoise)
	}
	if f.mask&fusion.MaskEVHgt != 0 {
		f.correctPositionAxes(s.Position, [3]bool{false, false, true}, f.cfg.VisionPosNoise)
	}
	if f.mask&fusion.MaskEVYaw != 0 {
		f.correctYaw(s.Orientation.Yaw())
	}
}

// CorrectGPS fuses GPS position/velocity according to the GPS bits of
// the mask.
func (f *Filter) CorrectGPS(s fusion.GpsSample) {
	if !f.propagated || !f.mask.Wants(fusion.ChannelGPS) {
		return
	}
	if f.mask&fusion.MaskGPSPos != 0 {
		f.correctPositionAxes(s.Position, [3]bool{true, true, false}, f.cfg.GpsPosNoise)
	}
	if f.mask&fusion.MaskGPSHgt != 0 {
		f.correctPositionAxes(s.Position, [3]bool{false, false, true}, f.cfg.GpsPosNoise)
	}
	if f.mask&fusion.MaskGPSVel != 0 {
		f.correctVelocity(s.Velocity)
	}
}

// CorrectOpticalFlow fuses a body-frame velocity derived from integrated
// optical flow over the known ground distance. Samples are rejected on
// the ground, below the quality floor, or without a usable range.
func (f *Filter) CorrectOpticalFlow(s fusion.OpticalFlowSample) {
	if !f.propagated || f.mask&fusion.MaskOpticalFlow == 0 {
		return
	}
	if !f.inAir || s.Quality < f.cfg.MinFlowQuality || s.Distance <= 0 || s.IntegrationTimeUs == 0 {
		return
	}
	dt := float64(s.IntegrationTimeUs) * 1e-6
	// Gyro-compensated flow rate times ground distance approximates the
	// body-frame horizontal velocity.
	vx := (s.Integrated.X - s.IntegratedGyro.X) / dt * s.Distance
	vy := (s.Integrated.Y - s.IntegratedGyro.Y) / dt * s.Distance

	rot := rotationMatrix(f.q)
	vBody := matVecT(rot, f.v)

	H := mat.NewDense(2, stateDim, nil)
	for j := 0; j < 3; j++ {
		H.Set(0, idxVel+j, rot.At(j, 0))
		H.Set(1, idxVel+j, rot.At(j, 1))
	}
	residual := []float64{vx - vBody.X, vy - vBody.Y}
	f.update(H, residual, f.cfg.FlowNoise)
}

// SetLandedState records the discrete landed/airborne signal. Flow
// fusion is only meaningful in the air.
func (f *Filter) SetLandedState(inAir bool) {
	if inAir != f.inAir {
		f.logger.Infow("landed state changed", "in_air", inAir)
	}
	f.inAir = inAir
}

func (f *Filter) correctPositionAxes(z r3.Vector, axes [3]bool, noise float64) {
	meas := []float64{z.X, z.Y, z.Z}
	pred := []float64{f.p.X, f.p.Y, f.p.Z}
	var rows int
	for _, use := range axes {
		if use {
			rows++
		}
	}
	H := mat.NewDense(rows, stateDim, nil)
	residual := make([]float64, 0, rows)
	row := 0
	for axis, use := range axes {
		if !use {
			continue
		}
		H.Set(row, idxPos+axis, 1)
		residual = append(residual, meas[axis]-pred[axis])
		row++
	}
	f.update(H, residual, noise)
}

func (f *Filter) correctVelocity(z r3.Vector) {
	H := mat.NewDense(3, stateDim, nil)
	for axis := 0; axis < 3; axis++ {
		H.Set(axis, idxVel+axis, 1)
	}
	residual := []float64{z.X - f.v.X, z.Y - f.v.Y, z.Z - f.v.Z}
	f.update(H, residual, f.cfg.GpsVelNoise)
}

func (f *Filter) correctYaw(zYaw float64) {
	H := mat.NewDense(1, stateDim, nil)
	H.Set(0, idxAtt+2, 1)
	residual := []float64{wrapAngle(zYaw - f.q.Yaw())}
	f.update(H, residual, f.cfg.VisionYawNoise)
}

// update runs a standard Kalman measurement update with measurement
// matrix H, residual r and an isotropic measurement variance, then
// injects the error estimate into the nominal state and resets it.
func (f *Filter) update(H *mat.Dense, residual []float64, noise float64) {
	m, _ := H.Dims()

	var ph, s mat.Dense
	ph.Mul(f.cov, H.T()) // P H^T, 15xm
	s.Mul(H, &ph)        // H P H^T, mxm
	for i := 0; i < m; i++ {
		s.Set(i, i, s.At(i, i)+noise)
	}

	var sInv mat.Dense
	if err := sInv.Inverse(&s); err != nil {
		f.logger.Warnw("innovation covariance singular; dropping update", "error", err)
		return
	}

	var gain mat.Dense
	gain.Mul(&ph, &sInv) // K = P H^T S^-1, 15xm

	r := mat.NewVecDense(m, residual)
	var dx mat.VecDense
	dx.MulVec(&gain, r)

	f.inject(&dx)

	// P = (I - K H) P, then symmetrize to keep numerics honest.
	var kh mat.Dense
	kh.Mul(&gain, H)
	ikh := mat.NewDense(stateDim, stateDim, nil)
	for i := 0; i < stateDim; i++ {
		ikh.Set(i, i, 1)
	}
	ikh.Sub(ikh, &kh)
	var newCov mat.Dense
	newCov.Mul(ikh, f.cov)
	f.cov.Copy(&newCov)
	f.symmetrize()
}

// inject folds the estimated error state into the nominal state.
func (f *Filter) inject(dx *mat.VecDense) {
	dTheta := r3.Vector{X: dx.AtVec(idxAtt), Y: dx.AtVec(idxAtt + 1), Z: dx.AtVec(idxAtt + 2)}
	f.q = f.q.Mul(spatial.NewFromRotationVector(dTheta)).Normalized()
	f.v = f.v.Add(r3.Vector{X: dx.AtVec(idxVel), Y: dx.AtVec(idxVel + 1), Z: dx.AtVec(idxVel + 2)})
	f.p = f.p.Add(r3.Vector{X: dx.AtVec(idxPos), Y: dx.AtVec(idxPos + 1), Z: dx.AtVec(idxPos + 2)})
	f.bg = f.bg.Add(r3.Vector{X: dx.AtVec(idxBg), Y: dx.AtVec(idxBg + 1), Z: dx.AtVec(idxBg + 2)})
	f.ba = f.ba.Add(r3.Vector{X: dx.AtVec(idxBa), Y: dx.AtVec(idxBa + 1), Z: dx.AtVec(idxBa + 2)})
}

func (f *Filter) symmetrize() {
	for i := 0; i < stateDim; i++ {
		for j := i + 1; j < stateDim; j++ {
			avg := 0.5 * (f.cov.At(i, j) + f.cov.At(j, i))
			f.cov.Set(i, j, avg)
			f.cov.Set(j, i, avg)
		}
	}
}

func eye3() *mat.Dense {
	return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
}

// matVec multiplies a 3x3 matrix by a vector.
func matVec(m *mat.Dense, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m.At(0, 0)*v.X + m.At(0, 1)*v.Y + m.At(0, 2)*v.Z,
		Y: m.At(1, 0)*v.X + m.At(1, 1)*v.Y + m.At(1, 2)*v.Z,
		Z: m.At(2, 0)*v.X + m.At(2, 1)*v.Y + m.At(2, 2)*v.Z,
	}
}

// matVecT multiplies the transpose of a 3x3 matrix by a vector.
func matVecT(m *mat.Dense, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m.At(0, 0)*v.X + m.At(1, 0)*v.Y + m.At(2, 0)*v.Z,
		Y: m.At(0, 1)*v.X + m.At(1, 1)*v.Y + m.At(2, 1)*v.Z,
		Z: m.At(0, 2)*v.X + m.At(1, 2)*v.Y + m.At(2, 2)*v.Z,
	}
}
