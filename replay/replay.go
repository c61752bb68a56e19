// Package replay feeds the node from a recorded sensor log: one JSON
// record per line, in capture order, with wall stamps in nanoseconds.
// Replay is the node's only built-in transport; live deployments attach
// their own feeds to the same handler surface.
package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/skyhook-robotics/eskf/fusion"
	"github.com/skyhook-robotics/eskf/spatial"
)

// Sink is the handler surface replay dispatches into. *node.Node
// satisfies it.
type Sink interface {
	HandleIMU(wm, am r3.Vector, stamp time.Time)
	HandleVision(q spatial.Quaternion, pos r3.Vector, stamp time.Time)
	HandleGPS(vel, pos r3.Vector, stamp time.Time)
	HandleOpticalFlow(integrated, integratedGyro r2.Point, integrationTimeUs uint32, distance float64, quality uint8, stamp time.Time)
	HandleLandedState(inAir bool)
	WantedChannels() []fusion.Channel
}

// Record types in the log.
const (
	recordIMU    = "imu"
	recordVision = "vision"
	recordGPS    = "gps"
	recordFlow   = "flow"
	recordLanded = "landed"
)

type vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (v vec3) r3() r3.Vector { return r3.Vector{X: v.X, Y: v.Y, Z: v.Z} }

type vec2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (v vec2) r2() r2.Point { return r2.Point{X: v.X, Y: v.Y} }

// record is the union of all log line shapes; Type discriminates.
type record struct {
	Type    string `json:"type"`
	StampNs int64  `json:"stamp_ns"`

	AngularRate *vec3 `json:"angular_rate,omitempty"`
	LinearAccel *vec3 `json:"linear_accel,omitempty"`

	Orientation *spatial.Quaternion `json:"orientation,omitempty"`
	Position    *vec3               `json:"position,omitempty"`
	Velocity    *vec3               `json:"velocity,omitempty"`

	Integrated        *vec2   `json:"integrated,omitempty"`
	IntegratedGyro    *vec2   `json:"integrated_gyro,omitempty"`
	IntegrationTimeUs uint32  `json:"integration_time_us,omitempty"`
	Distance          float64 `json:"distance,omitempty"`
	Quality           uint8   `json:"quality,omitempty"`

	InAir *bool `json:"in_air,omitempty"`
}

// Source replays a sensor log file into a Sink.
type Source struct {
	path     string
	realtime bool
	logger   golog.Logger
}

// NewSource creates a replay source. With realtime set, dispatch is
// paced by the recorded stamps; otherwise records are dispatched as fast
// as the sink accepts them.
func NewSource(path string, realtime bool, logger golog.Logger) *Source {
	return &Source{path: path, realtime: realtime, logger: logger}
}

// Run replays the whole log. Feeds the fusion mask did not request are
// filtered here, mirroring how a live deployment would simply not
// subscribe to them. Malformed lines are logged and skipped; a sensor
// log with a bad line in the middle is still mostly useful.
func (s *Source) Run(ctx context.Context, sink Sink) error {
	f, err := os.Open(s.path)
	if err != nil {
		return errors.Wrap(err, "opening sensor log")
	}
	defer func() {
		goutils.UncheckedError(f.Close())
	}()

	wanted := map[fusion.Channel]bool{}
	for _, c := range sink.WantedChannels() {
		wanted[c] = true
	}

	var prevStamp time.Time
	var line int
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line++
		if ctx.Err() != nil {
			return ctx.Err()
		}
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			s.logger.Warnw("skipping malformed log line", "line", line, "error", err)
			continue
		}

		stamp := time.Unix(0, rec.StampNs)
		if s.realtime && rec.Type != recordLanded {
			if !prevStamp.IsZero() {
				if wait := stamp.Sub(prevStamp); wait > 0 {
					if !goutils.SelectContextOrWait(ctx, wait) {
						return ctx.Err()
					}
				}
			}
			prevStamp = stamp
		}

		if err := s.dispatch(sink, wanted, &rec, stamp, line); err != nil {
			s.logger.Warnw("skipping unusable log line", "line", line, "error", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "reading sensor log")
	}
	s.logger.Infow("sensor log replay complete", "lines", line)
	return nil
}

func (s *Source) dispatch(sink Sink, wanted map[fusion.Channel]bool, rec *record, stamp time.Time, line int) error {
	switch rec.Type {
	case recordIMU:
		if rec.AngularRate == nil || rec.LinearAccel == nil {
			return errors.New("imu record missing angular_rate or linear_accel")
		}
		sink.HandleIMU(rec.AngularRate.r3(), rec.LinearAccel.r3(), stamp)
	case recordVision:
		if !wanted[fusion.ChannelVision] {
			return nil
		}
		if rec.Orientation == nil || rec.Position == nil {
			return errors.New("vision record missing orientation or position")
		}
		sink.HandleVision(*rec.Orientation, rec.Position.r3(), stamp)
	case recordGPS:
		if !wanted[fusion.ChannelGPS] {
			return nil
		}
		if rec.Velocity == nil || rec.Position == nil {
			return errors.New("gps record missing velocity or position")
		}
		sink.HandleGPS(rec.Velocity.r3(), rec.Position.r3(), stamp)
	case recordFlow:
		if !wanted[fusion.ChannelOpticalFlow] {
			return nil
		}
		if rec.Integrated == nil || rec.IntegratedGyro == nil {
			return errors.New("flow record missing integrated displacements")
		}
		sink.HandleOpticalFlow(
			rec.Integrated.r2(), rec.IntegratedGyro.r2(),
			rec.IntegrationTimeUs, rec.Distance, rec.Quality, stamp,
		)
	case recordLanded:
		if rec.InAir == nil {
			return errors.New("landed record missing in_air")
		}
		sink.HandleLandedState(*rec.InAir)
	default:
		return errors.Errorf("unknown record type %q", rec.Type)
	}
	return nil
}
