// Package node hosts the fusion orchestrator inside a single-threaded
// event dispatcher: sensor feeds and the publish ticker enqueue events
// from any goroutine, and one dispatch goroutine applies them to the
// orchestrator strictly one at a time.
package node

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	goutils "go.viam.com/utils"

	"github.com/skyhook-robotics/eskf/config"
	"github.com/skyhook-robotics/eskf/fusion"
	"github.com/skyhook-robotics/eskf/spatial"
)

// Node wires sensor feeds, the orchestrator and the fused-pose
// publisher together.
type Node struct {
	orc    *fusion.Orchestrator
	logger golog.Logger
	clock  clock.Clock
	period time.Duration

	queue   chan func()
	dropped atomic.Uint64

	subsMu sync.Mutex
	subs   map[chan fusion.FusedPose]struct{}

	cancel  context.CancelFunc
	workers sync.WaitGroup
	started bool
}

// New builds a node around the given estimator. The clock is injectable
// so tests can drive the publish trigger deterministically.
func New(est fusion.Estimator, cfg *config.Config, clk clock.Clock, logger golog.Logger) *Node {
	return &Node{
		orc:    fusion.NewOrchestrator(est, cfg.Mask(), logger),
		logger: logger,
		clock:  clk,
		period: time.Duration(float64(time.Second) / cfg.PublishRateHz),
		queue:  make(chan func(), cfg.QueueSize),
		subs:   map[chan fusion.FusedPose]struct{}{},
	}
}

// WantedChannels reports which correction feeds the deployment should
// attach, per the fusion mask.
func (n *Node) WantedChannels() []fusion.Channel {
	return n.orc.Mask().ActiveChannels()
}

// Initialized reports whether the filter has seen its first propagation.
func (n *Node) Initialized() bool {
	return n.orc.Initialized()
}

// Start launches the dispatch loop and the fixed-rate publish trigger.
func (n *Node) Start(ctx context.Context) {
	if n.started {
		return
	}
	n.started = true
	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	n.workers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer n.workers.Done()
		n.dispatchLoop(runCtx)
	})

	n.workers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer n.workers.Done()
		n.publishLoop(runCtx)
	})

	n.logger.Infow("node started",
		"publish_period", n.period.String(),
		"channels", n.orc.Mask().String(),
	)
}

// dispatchLoop applies queued events one at a time. This is the only
// goroutine that ever touches the orchestrator or the estimator.
func (n *Node) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-n.queue:
			event()
		}
	}
}

// publishLoop enqueues a publish tick at the configured fixed rate. The
// tick itself runs on the dispatch goroutine like any other event.
func (n *Node) publishLoop(ctx context.Context) {
	ticker := n.clock.Ticker(n.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := n.clock.Now()
			n.enqueue(func() {
				n.broadcast(n.orc.PublishTick(now))
			})
		}
	}
}

// enqueue hands an event to the dispatch loop without blocking the
// caller; when the queue is saturated the event is dropped, since stale
// sensor data is worse than missing data.
func (n *Node) enqueue(event func()) {
	select {
	case n.queue <- event:
	default:
		dropped := n.dropped.Add(1)
		if dropped == 1 || dropped%100 == 0 {
			n.logger.Warnw("dispatch queue full; dropping events", "dropped", dropped)
		}
	}
}

// HandleIMU ingests one inertial measurement. The microsecond timestamp
// handed to the estimator is derived from the same wall stamp used for
// delta bookkeeping, keeping the two clocks consistent by construction.
func (n *Node) HandleIMU(wm, am r3.Vector, stamp time.Time) {
	n.enqueue(func() {
		n.orc.OnIMU(wm, am, uint64(stamp.UnixMicro()), stamp)
	})
}

// HandleVision ingests one vision pose.
func (n *Node) HandleVision(q spatial.Quaternion, pos r3.Vector, stamp time.Time) {
	n.enqueue(func() {
		n.orc.OnVision(q, pos, uint64(stamp.UnixMicro()), stamp)
	})
}

// HandleGPS ingests one GPS odometry message.
func (n *Node) HandleGPS(vel, pos r3.Vector, stamp time.Time) {
	n.enqueue(func() {
		n.orc.OnGPS(vel, pos, uint64(stamp.UnixMicro()), stamp)
	})
}

// HandleOpticalFlow ingests one integrated optical-flow message.
func (n *Node) HandleOpticalFlow(
	integrated, integratedGyro r2.Point,
	integrationTimeUs uint32,
	distance float64,
	quality uint8,
	stamp time.Time,
) {
	n.enqueue(func() {
		n.orc.OnOpticalFlow(
			integrated, integratedGyro, integrationTimeUs,
			distance, quality, uint64(stamp.UnixMicro()), stamp,
		)
	})
}

// HandleLandedState ingests the discrete landed/airborne signal.
func (n *Node) HandleLandedState(inAir bool) {
	n.enqueue(func() {
		n.orc.OnLandedState(inAir)
	})
}

// Subscribe registers a fused-pose consumer. The returned cancel must be
// called when done. Slow consumers miss poses rather than stalling the
// publisher.
func (n *Node) Subscribe(buffer int) (<-chan fusion.FusedPose, func()) {
	ch := make(chan fusion.FusedPose, buffer)
	n.subsMu.Lock()
	n.subs[ch] = struct{}{}
	n.subsMu.Unlock()
	return ch, func() {
		n.subsMu.Lock()
		delete(n.subs, ch)
		n.subsMu.Unlock()
	}
}

func (n *Node) broadcast(pose fusion.FusedPose) {
	n.subsMu.Lock()
	defer n.subsMu.Unlock()
	for ch := range n.subs {
		select {
		case ch <- pose:
		default:
		}
	}
}

// Close stops the dispatch and publish loops and waits for them.
func (n *Node) Close() error {
	if n.cancel != nil {
		n.cancel()
	}
	n.workers.Wait()
	return nil
}
