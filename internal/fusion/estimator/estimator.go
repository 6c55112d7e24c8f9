// Package estimator implements PreintEstimator and ImuPropagator
// (spec.md §4.1, §4.2) as a single actor: one mutex guards the factor
// graph, both preintegrators, both IMU queues, and the cached
// (prevState, prevBias) that the propagator predicts from. Keeping them
// as one lock, rather than two with a channel between them, avoids the
// cyclic-reference trap spec.md §9 warns about — ImuPropagator never holds
// a pointer back to the estimator that feeds it.
package estimator

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/traverse-robotics/imu-lidar-fusion/internal/fusion/graph"
	"github.com/traverse-robotics/imu-lidar-fusion/internal/fusion/preint"
	"github.com/traverse-robotics/imu-lidar-fusion/internal/fusion/spatial"
	"github.com/traverse-robotics/imu-lidar-fusion/internal/fusionconfig"
)

// State is PreintEstimator's lifecycle state machine (spec.md §4.1). Failed
// is not a field of this type: spec.md §4.1 describes it as entered and
// immediately exited back to Uninitialized within a single sanity check
// ("On entry, reset to Uninitialized"), so it never persists as observable
// state — only the reset it triggers (Stats().Failures, the Uninitialized
// transition) is visible to callers.
type State string

const (
	Uninitialized State = "uninitialized"
	Running       State = "running"
)

// IncrementalOdometry is ImuPropagator's IMU-rate output (spec.md §4.2,
// §6): a pose in the LiDAR frame, a linear velocity, and an angular
// velocity built from the raw gyro sample. Per spec.md §9 (Open Questions), the
// angular velocity is published as raw ω *plus* bias, not minus — an
// apparent bug in the original source, preserved here as observable
// behavior rather than silently "fixed".
type IncrementalOdometry struct {
	Time            time.Time
	Pose            spatial.Pose
	Velocity        r3.Vec
	AngularVelocity r3.Vec
}

// Stats exposes diagnostic counters, grounded on the teacher's
// PacketStats/TrackingMetrics convention of surfacing per-run counters
// for observability without a metrics/transport dependency.
type Stats struct {
	Optimizations     int64
	Reseeds           int64
	Failures          int64
	DroppedStaleImu   int64
	PropagatedSamples int64
}

// Estimator is the combined PreintEstimator + ImuPropagator actor.
type Estimator struct {
	mu sync.Mutex

	id  uuid.UUID
	log *log.Logger
	cfg *fusionconfig.Config

	extrinsic spatial.Extrinsic
	params    preint.Params

	state State
	key   int

	g         graph.Graph
	optimizer *graph.Optimizer

	preintOpt  *preint.Measurement
	preintProp *preint.Measurement

	optQueue  []spatial.ImuSample
	propQueue []spatial.ImuSample

	lastLidarTime time.Time
	haveLidarTime bool

	prevPose spatial.Pose
	prevVel  r3.Vec
	prevBias spatial.ImuBias

	firstOptDone bool

	stats Stats

	onIncrementalOdometry func(IncrementalOdometry)
}

// New creates an Estimator using cfg for noise/threshold parameters and
// extrinsic as the fixed LiDAR<->IMU lever arm.
func New(cfg *fusionconfig.Config, extrinsic spatial.Extrinsic) *Estimator {
	if cfg == nil {
		cfg = fusionconfig.DefaultConfig()
	}
	e := &Estimator{
		id:        uuid.New(),
		log:       log.Default(),
		cfg:       cfg,
		extrinsic: extrinsic,
		state:     Uninitialized,
		optimizer: graph.NewOptimizer(),
		params: preint.Params{
			Gravity:             cfg.GetImuGravity(),
			AccelNoiseSigma:     cfg.GetImuAccNoise(),
			GyroNoiseSigma:      cfg.GetImuGyrNoise(),
			IntegrationVariance: preint.DefaultIntegrationVariance,
		},
	}
	e.preintOpt = preint.New(e.params, spatial.ImuBias{})
	e.preintProp = preint.New(e.params, spatial.ImuBias{})
	return e
}

// SetLogger overrides the default logger.
func (e *Estimator) SetLogger(l *log.Logger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = l
}

// SetOnIncrementalOdometry registers the callback ImuPropagator publishes
// to, grounded on the teacher's SetOnBGTrackCreated(fn func(*TrackedObject))
// convention (internal/lidar/dual_pipeline.go).
func (e *Estimator) SetOnIncrementalOdometry(fn func(IncrementalOdometry)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onIncrementalOdometry = fn
}

// State returns the estimator's current lifecycle state.
func (e *Estimator) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Stats returns a snapshot of the diagnostic counters.
func (e *Estimator) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// OnImu enqueues a rectified IMU sample onto both internal queues and, once
// the first optimization has completed, drives the propagation step
// (spec.md §4.2). It is the only entry point that feeds ImuPropagator.
func (e *Estimator) OnImu(sample spatial.ImuSample) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.optQueue = append(e.optQueue, sample)
	e.propQueue = append(e.propQueue, sample)

	if !e.firstOptDone {
		return
	}
	e.propagateLocked(sample)
}

// propagateLocked implements ImuPropagator.onImu (spec.md §4.2). Caller
// must hold e.mu.
func (e *Estimator) propagateLocked(sample spatial.ImuSample) {
	dt := e.cfg.GetNominalImuPeriod()

	var prevTime time.Time
	if len(e.propQueue) >= 2 {
		prevTime = e.propQueue[len(e.propQueue)-2].Time
	}
	if !prevTime.IsZero() {
		if d := sample.Time.Sub(prevTime); d > 0 {
			dt = d
		} else if len(e.propQueue) >= 3 {
			// Non-monotone timestamp: reuse the previous sample's dt when it
			// is positive, otherwise keep the nominal period.
			if pd := prevTime.Sub(e.propQueue[len(e.propQueue)-3].Time); pd > 0 {
				dt = pd
			}
		}
	}

	e.preintProp.Integrate(sample.Accel, sample.Gyro, dt.Seconds())
	cur := e.preintProp.Predict(spatial.NavState{Pose: e.prevPose, Velocity: e.prevVel}, e.prevBias)

	lidarPose := spatial.Compose(cur.Pose, e.extrinsic.ImuToLidar())
	out := IncrementalOdometry{
		Time:     sample.Time,
		Pose:     lidarPose,
		Velocity: cur.Velocity,
		// Open Question (spec.md §9): raw ω + bias, not minus, preserved
		// verbatim from the original source's observable behavior.
		AngularVelocity: r3.Add(sample.Gyro, e.prevBias.Gyro),
	}
	e.stats.PropagatedSamples++

	if e.onIncrementalOdometry != nil {
		e.onIncrementalOdometry(out)
	}
}

// OnLidarPose performs one optimization cycle (spec.md §4.1) and publishes
// the updated (prevState, prevBias) for ImuPropagator to predict from.
func (e *Estimator) OnLidarPose(pose spatial.LidarPose) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.haveLidarTime && !pose.Time.After(e.lastLidarTime) {
		return fmt.Errorf("estimator: non-increasing lidar timestamp %s (last %s)", pose.Time, e.lastLidarTime)
	}
	e.lastLidarTime = pose.Time
	e.haveLidarTime = true

	switch e.state {
	case Uninitialized:
		return e.initializeLocked(pose)
	default:
		return e.optimizationCycleLocked(pose)
	}
}

func (e *Estimator) initializeLocked(pose spatial.LidarPose) error {
	// Drop IMU samples strictly older than the LiDAR timestamp.
	before := len(e.optQueue)
	e.optQueue = dropBefore(e.optQueue, pose.Time)
	e.propQueue = dropBefore(e.propQueue, pose.Time)
	e.stats.DroppedStaleImu += int64(before - len(e.optQueue))

	e.prevPose = spatial.Compose(pose.Pose, e.extrinsic.LidarToImu())
	e.prevVel = r3.Vec{}
	e.prevBias = spatial.ImuBias{}

	e.g.Reset()
	e.optimizer.Reset()
	e.g.Add(graph.NewPriorPoseFactor(graph.XKey(0), e.prevPose, [6]float64{1e-2, 1e-2, 1e-2, 1e-2, 1e-2, 1e-2}))
	e.g.Add(graph.NewPriorVelFactor(graph.VKey(0), e.prevVel, 1e4))
	e.g.Add(graph.NewPriorBiasFactor(graph.BKey(0), e.prevBias, 1e-3))

	initial := graph.Values{
		graph.XKey(0): graph.PoseValue(e.prevPose),
		graph.VKey(0): graph.VelValue(e.prevVel),
		graph.BKey(0): graph.BiasValue(e.prevBias),
	}
	if err := e.optimizer.Update(&e.g, initial, []graph.Key{graph.XKey(0), graph.VKey(0), graph.BKey(0)}); err != nil {
		return fmt.Errorf("estimator: init optimize: %w", err)
	}
	e.g.Reset()

	e.preintOpt.Reset(e.prevBias)
	e.preintProp.Reset(e.prevBias)

	e.key = 1
	e.state = Running
	e.stats.Optimizations++
	e.log.Printf("fusion: estimator %s initialized at t=%s", e.id, pose.Time)
	return nil
}

func (e *Estimator) resetToUninitializedLocked() {
	e.optQueue = nil
	e.propQueue = nil
	e.firstOptDone = false
	e.haveLidarTime = false
	e.state = Uninitialized
	e.key = 0
}

func (e *Estimator) optimizationCycleLocked(pose spatial.LidarPose) error {
	reseedInterval := e.cfg.GetReseedInterval()
	if e.key == reseedInterval {
		e.reseedLocked()
	}

	if len(e.optQueue) == 0 {
		// Transient: nothing to integrate against, wait for the next
		// correction (spec.md §7).
		return nil
	}

	// Drain the optimizer IMU queue up to and including t_k.
	var lastTime time.Time
	haveLast := false
	kept := e.optQueue[:0:0]
	i := 0
	for ; i < len(e.optQueue); i++ {
		s := e.optQueue[i]
		if s.Time.After(pose.Time) {
			break
		}
		dt := e.cfg.GetNominalImuPeriod()
		if haveLast {
			if d := s.Time.Sub(lastTime); d > 0 {
				dt = d
			}
		}
		e.preintOpt.Integrate(s.Accel, s.Gyro, dt.Seconds())
		lastTime = s.Time
		haveLast = true
	}
	kept = append(kept, e.optQueue[i:]...)
	e.optQueue = kept

	prevX, prevV, prevB := graph.XKey(e.key-1), graph.VKey(e.key-1), graph.BKey(e.key-1)
	curX, curV, curB := graph.XKey(e.key), graph.VKey(e.key), graph.BKey(e.key)

	e.g.Reset()
	e.g.Add(graph.NewImuFactor(prevX, prevV, prevB, curX, curV, e.preintOpt))
	e.g.Add(graph.NewBiasBetweenFactor(prevB, curB, e.preintOpt.DeltaT(), e.cfg.GetImuAccBiasN(), e.cfg.GetImuGyrBiasN()))

	correctedPose := spatial.Compose(pose.Pose, e.extrinsic.LidarToImu())
	sigma := [6]float64{0.05, 0.05, 0.05, 0.1, 0.1, 0.1}
	if pose.Degenerate {
		sigma = [6]float64{1, 1, 1, 1, 1, 1} // correctionNoise2: ~20x wider than correctionNoise
	}
	e.g.Add(graph.NewPriorPoseFactor(curX, correctedPose, sigma))

	predicted := e.preintOpt.Predict(spatial.NavState{Pose: e.prevPose, Velocity: e.prevVel}, e.prevBias)
	initial := graph.Values{
		prevX: graph.PoseValue(e.prevPose),
		prevV: graph.VelValue(e.prevVel),
		prevB: graph.BiasValue(e.prevBias),
		curX:  graph.PoseValue(predicted.Pose),
		curV:  graph.VelValue(predicted.Velocity),
		curB:  graph.BiasValue(e.prevBias),
	}
	free := []graph.Key{curX, curV, curB}

	// Two incremental updates: the second consolidates relinearization
	// (spec.md §4.1 step 5).
	if err := e.optimizer.Update(&e.g, initial, free); err != nil {
		return fmt.Errorf("estimator: optimize (pass 1): %w", err)
	}
	if err := e.optimizer.Update(&e.g, e.optimizer.Values(), free); err != nil {
		return fmt.Errorf("estimator: optimize (pass 2): %w", err)
	}

	result := e.optimizer.Values()
	e.prevPose = result[curX].Pose
	e.prevVel = result[curV].Vel
	e.prevBias = result[curB].Bias

	e.preintOpt.Reset(e.prevBias)
	// e.g is deliberately NOT reset here: it still holds this cycle's
	// ImuFactor/BiasBetweenFactor/PriorPoseFactor touching curX/curV/curB,
	// which is exactly the information reseedLocked needs if the *next*
	// call finds e.key == reseedInterval. The next optimizationCycleLocked
	// clears it (via reseedLocked, or directly before adding its own
	// factors) once that information has had its chance to be read.
	e.stats.Optimizations++

	if e.failureDetection() {
		e.stats.Failures++
		e.log.Printf("fusion: estimator %s failure detected at t=%s (|v|=%.3f |ba|=%.3f |bg|=%.3f), resetting",
			e.id, pose.Time, r3.Norm(e.prevVel), e.prevBias.AccelNorm(), e.prevBias.GyroNorm())
		e.resetToUninitializedLocked()
		return nil
	}

	e.repropagateLocked(pose.Time)

	e.key++
	e.firstOptDone = true
	return nil
}

func (e *Estimator) reseedLocked() {
	prevX, prevV, prevB := graph.XKey(e.key-1), graph.VKey(e.key-1), graph.BKey(e.key-1)
	poseDiag := e.optimizer.MarginalCovariance(&e.g, prevX)
	velDiag := e.optimizer.MarginalCovariance(&e.g, prevV)
	biasDiag := e.optimizer.MarginalCovariance(&e.g, prevB)

	e.g.Reset()
	e.optimizer.Reset()

	var poseDiag6, biasDiag6 [6]float64
	copy(poseDiag6[:], poseDiag)
	copy(biasDiag6[:], biasDiag)
	var velDiag3 [3]float64
	copy(velDiag3[:], velDiag)

	e.g.Add(graph.NewPriorPoseFactorCov(graph.XKey(0), e.prevPose, poseDiag6))
	e.g.Add(graph.NewPriorVelFactorCov(graph.VKey(0), e.prevVel, velDiag3))
	e.g.Add(graph.NewPriorBiasFactorCov(graph.BKey(0), e.prevBias, biasDiag6))

	initial := graph.Values{
		graph.XKey(0): graph.PoseValue(e.prevPose),
		graph.VKey(0): graph.VelValue(e.prevVel),
		graph.BKey(0): graph.BiasValue(e.prevBias),
	}
	_ = e.optimizer.Update(&e.g, initial, []graph.Key{graph.XKey(0), graph.VKey(0), graph.BKey(0)})
	e.g.Reset()

	e.key = 1
	e.stats.Reseeds++
}

func (e *Estimator) failureDetection() bool {
	if r3.Norm(e.prevVel) > e.cfg.GetMaxSpeedMps() {
		return true
	}
	maxBias := e.cfg.GetMaxBiasNorm()
	return e.prevBias.AccelNorm() > maxBias || e.prevBias.GyroNorm() > maxBias
}

// repropagateLocked re-seeds the propagator preintegrator to the freshly
// optimized bias and replays the propagator queue's remaining samples
// (spec.md §4.1 step 7).
func (e *Estimator) repropagateLocked(currentTime time.Time) {
	e.propQueue = dropBefore(e.propQueue, currentTime)
	e.preintProp.Reset(e.prevBias)

	var lastTime time.Time
	haveLast := false
	for _, s := range e.propQueue {
		dt := e.cfg.GetNominalImuPeriod()
		if haveLast {
			if d := s.Time.Sub(lastTime); d > 0 {
				dt = d
			}
		}
		e.preintProp.Integrate(s.Accel, s.Gyro, dt.Seconds())
		lastTime = s.Time
		haveLast = true
	}
}

func dropBefore(samples []spatial.ImuSample, t time.Time) []spatial.ImuSample {
	i := 0
	for i < len(samples) && samples[i].Time.Before(t) {
		i++
	}
	return samples[i:]
}
