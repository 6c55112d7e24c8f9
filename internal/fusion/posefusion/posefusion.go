// Package posefusion implements PoseFusion (spec.md §4.3): the actor that
// re-anchors ImuPropagator's high-rate, drifting odometry stream to the
// most recent LiDAR correction, and keeps a trimmed trailing path for
// downstream consumers.
package posefusion

import (
	"log"
	"sync"
	"time"

	"github.com/traverse-robotics/imu-lidar-fusion/internal/fusion/spatial"
)

// FusedOdometry is PoseFusion's per-IMU-odometry output: a LiDAR-anchored
// pose at the IMU timestamp (spec.md §4.3 step 5), plus the frames it's
// published against (spec.md §6, "Frame relations").
type FusedOdometry struct {
	Time          time.Time
	Pose          spatial.Pose
	OdometryFrame string
	MapFrame      string
	BaselinkFrame string
}

// PathSample is one entry of the trailing trajectory (spec.md §4.3 step 7).
type PathSample struct {
	Time time.Time
	Pose spatial.Pose
}

// FrameTransform supplies the fixed T_L->baselink transform, grounded on the
// original source's frame-graph lookup (spec.md §4.3, "Supplemented from
// original_source"). A nil Lookup behaves as identity.
type FrameTransform struct {
	Lookup func() (spatial.Pose, bool)
}

// Stats exposes diagnostic counters.
type Stats struct {
	Published         int64
	FrameLookupFailed int64
	PathTrimmed       int64
}

// PoseFusion is an independently-locked actor (spec.md §5): its LiDAR
// anchor pose and IMU-odometry queue are private and mutated only under
// its own lock, separate from the Estimator actor's lock.
type PoseFusion struct {
	mu sync.Mutex

	log *log.Logger

	odometryFrame string
	mapFrame      string
	baselinkFrame string
	pathWindow    time.Duration
	pathSampling  time.Duration

	bodyFrame FrameTransform

	poses []odomEntry

	haveAnchor bool
	anchor     spatial.Pose
	anchorTime time.Time

	path         []PathSample
	lastPathTime time.Time
	havePathTime bool

	stats Stats

	onFusedOdometry func(FusedOdometry)
}

type odomEntry struct {
	Time time.Time
	Pose spatial.Pose
}

// New creates a PoseFusion actor. odometryFrame/mapFrame/baselinkFrame name
// the frames published in FusedOdometry (spec.md §6); pathWindow and
// pathSampling configure the trailing-trajectory policy (spec.md §4.3 step
// 7).
func New(odometryFrame, mapFrame, baselinkFrame string, pathWindow, pathSampling time.Duration) *PoseFusion {
	return &PoseFusion{
		log:           log.Default(),
		odometryFrame: odometryFrame,
		mapFrame:      mapFrame,
		baselinkFrame: baselinkFrame,
		pathWindow:    pathWindow,
		pathSampling:  pathSampling,
	}
}

// SetLogger overrides the default logger.
func (f *PoseFusion) SetLogger(l *log.Logger) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = l
}

// SetBodyFrameTransform registers the T_L->baselink lookup (spec.md §4.3
// step 6). A zero-value FrameTransform (nil Lookup) means LiDAR frame ==
// body frame; fusion proceeds assuming identity.
func (f *PoseFusion) SetBodyFrameTransform(t FrameTransform) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodyFrame = t
}

// SetOnFusedOdometry registers the publish callback, grounded on the
// teacher's SetOnBGTrackCreated(fn func(*TrackedObject)) convention
// (internal/lidar/dual_pipeline.go).
func (f *PoseFusion) SetOnFusedOdometry(fn func(FusedOdometry)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onFusedOdometry = fn
}

// Stats returns a snapshot of the diagnostic counters.
func (f *PoseFusion) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

// Path returns a copy of the current trailing trajectory.
func (f *PoseFusion) Path() []PathSample {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]PathSample, len(f.path))
	copy(out, f.path)
	return out
}

// OnLidarPose records the latest LiDAR correction as the fusion anchor
// (spec.md §4.3, "a single latest LiDAR pose slot with its timestamp").
func (f *PoseFusion) OnLidarPose(pose spatial.LidarPose) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.anchor = pose.Pose
	f.anchorTime = pose.Time
	f.haveAnchor = true
}

// OnImuOdometry implements the per-IMU-odometry-message algorithm of
// spec.md §4.3 steps 1-7.
func (f *PoseFusion) OnImuOdometry(pose spatial.Pose, t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.poses = append(f.poses, odomEntry{Time: t, Pose: pose})

	if !f.haveAnchor {
		return
	}

	// Pop queue-front entries with timestamp <= anchor time (spec.md §4.3
	// step 3); P_front is whatever remains at the front afterward, not one
	// of the popped entries, matching the original source's
	// pop-then-peek-front ordering.
	i := 0
	for i < len(f.poses) && !f.poses[i].Time.After(f.anchorTime) {
		i++
	}
	f.poses = f.poses[i:]
	if len(f.poses) == 0 {
		return
	}

	front := f.poses[0]
	back := f.poses[len(f.poses)-1]

	delta := spatial.Compose(spatial.Inverse(front.Pose), back.Pose)
	out := spatial.Compose(f.anchor, delta)

	out = f.withBodyFrameLocked(out)

	f.stats.Published++
	f.appendPathLocked(back.Time, f.anchorTime, out)

	if f.onFusedOdometry != nil {
		f.onFusedOdometry(FusedOdometry{
			Time:          back.Time,
			Pose:          out,
			OdometryFrame: f.odometryFrame,
			MapFrame:      f.mapFrame,
			BaselinkFrame: f.baselinkFrame,
		})
	}
}

// withBodyFrameLocked applies the optional T_L->baselink transform,
// falling back to identity and logging on lookup failure (spec.md §7,
// "Frame-lookup failure: logged; fusion proceeds assuming identity").
func (f *PoseFusion) withBodyFrameLocked(pose spatial.Pose) spatial.Pose {
	if f.bodyFrame.Lookup == nil {
		return pose
	}
	transform, ok := f.bodyFrame.Lookup()
	if !ok {
		f.stats.FrameLookupFailed++
		f.log.Printf("fusion: posefusion: T_%s->%s lookup failed, assuming identity", f.odometryFrame, f.baselinkFrame)
		return pose
	}
	return spatial.Compose(pose, transform)
}

// appendPathLocked enforces the >=100ms sampling and 1s trailing-window
// policy of spec.md §4.3 step 7, grounded on the teacher's trimmed-ring
// pattern for TrackedObject.posHistory (internal/lidar/tracking.go). The
// trim cutoff is anchored to lidarTime, not t, matching the original
// source's fixed "lidarOdomTime - 1.0" window (imuPreintegration.cpp):
// entries stay until they age out relative to the latest LiDAR correction,
// not relative to however far the IMU stream has free-run past it.
func (f *PoseFusion) appendPathLocked(t, lidarTime time.Time, pose spatial.Pose) {
	if f.havePathTime && t.Sub(f.lastPathTime) < f.pathSampling {
		return
	}
	f.path = append(f.path, PathSample{Time: t, Pose: pose})
	f.lastPathTime = t
	f.havePathTime = true

	cutoff := lidarTime.Add(-f.pathWindow)
	i := 0
	for i < len(f.path) && f.path[i].Time.Before(cutoff) {
		i++
	}
	if i > 0 {
		f.stats.PathTrimmed += int64(i)
		f.path = f.path[i:]
	}
}
