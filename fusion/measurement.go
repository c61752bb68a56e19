package fusion

import (
	"time"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/skyhook-robotics/eskf/spatial"
)

// Canonical measurement records handed to the estimator. Each carries
// the sensor's own microsecond timestamp plus the inter-arrival delta
// computed from wall-clock message stamps.

// ImuSample is one inertial measurement driving a propagation step.
type ImuSample struct {
	AngularRate r3.Vector // rad/s, body frame
	LinearAccel r3.Vector // m/s^2, body frame
	TimestampUs uint64
	Delta       float64 // seconds since the previous IMU sample
}

// VisionSample is an external vision pose correction.
type VisionSample struct {
	Orientation spatial.Quaternion
	Position    r3.Vector // m
	TimestampUs uint64
	Delta       float64
}

// GpsSample is a GPS odometry correction.
type GpsSample struct {
	Velocity    r3.Vector // m/s
	Position    r3.Vector // m
	TimestampUs uint64
	Delta       float64
}

// OpticalFlowSample is an integrated optical-flow correction.
type OpticalFlowSample struct {
	Integrated        r2.Point // rad, integrated angular displacement
	IntegratedGyro    r2.Point // rad, integrated gyro displacement
	IntegrationTimeUs uint32
	Distance          float64 // m, ground distance
	Quality           uint8
	TimestampUs       uint64
	Delta             float64
}

// FusedPose is the node's periodic output: the estimator's current
// belief stamped with wall-clock publish time. The covariance block is
// always zero-filled; downstream consumers of vision-style poses ignore
// it.
type FusedPose struct {
	Orientation spatial.Quaternion `json:"orientation"`
	Position    r3.Vector          `json:"position"`
	Covariance  [36]float64        `json:"covariance"`
	Seq         uint64             `json:"seq"`
	Stamp       time.Time          `json:"stamp"`
}
