// fusiond wires PreintEstimator/ImuPropagator and PoseFusion together and
// drives them from a synthetic IMU/LiDAR feed, for demonstration and smoke
// testing in the absence of a live sensor driver. Grounded on
// cmd/lidar/lidar.go's flag/context/signal wiring and periodic stats
// logging goroutine.
package main

import (
	"context"
	"flag"
	"log"
	"math"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/traverse-robotics/imu-lidar-fusion/internal/fusion/estimator"
	"github.com/traverse-robotics/imu-lidar-fusion/internal/fusion/posefusion"
	"github.com/traverse-robotics/imu-lidar-fusion/internal/fusion/spatial"
	"github.com/traverse-robotics/imu-lidar-fusion/internal/fusionconfig"
)

var (
	configPath  = flag.String("config", "", "path to a JSON config overriding the embedded defaults")
	duration    = flag.Duration("duration", 10*time.Second, "how long to run the synthetic feed")
	lidarRate   = flag.Duration("lidar-period", 100*time.Millisecond, "synthetic LiDAR correction period")
	logInterval = flag.Duration("log-interval", 2*time.Second, "statistics logging interval")
)

// feedStats tracks synthetic-feed and fusion-output counters, grounded on
// cmd/lidar/lidar.go's PacketStats mutex-guarded counter pattern.
type feedStats struct {
	mu         sync.Mutex
	imuSamples int64
	lidarFixes int64
	fused      int64
	lastReset  time.Time
}

func (s *feedStats) addImu()   { s.mu.Lock(); s.imuSamples++; s.mu.Unlock() }
func (s *feedStats) addLidar() { s.mu.Lock(); s.lidarFixes++; s.mu.Unlock() }
func (s *feedStats) addFused() { s.mu.Lock(); s.fused++; s.mu.Unlock() }

func (s *feedStats) getAndReset() (imu, lidar, fused int64, dur time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	dur = now.Sub(s.lastReset)
	imu, lidar, fused = s.imuSamples, s.lidarFixes, s.fused
	s.imuSamples, s.lidarFixes, s.fused = 0, 0, 0
	s.lastReset = now
	return
}

func main() {
	flag.Parse()

	cfg := fusionconfig.DefaultConfig()
	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			log.Fatalf("fusiond: reading config: %v", err)
		}
		cfg, err = fusionconfig.LoadConfigJSON(data)
		if err != nil {
			log.Fatalf("fusiond: invalid config: %v", err)
		}
	}

	extrinsic := spatial.Extrinsic{
		Translation: r3.Vec{X: cfg.GetExtTransX(), Y: cfg.GetExtTransY(), Z: cfg.GetExtTransZ()},
	}

	est := estimator.New(cfg, extrinsic)
	fusion := posefusion.New(cfg.GetOdometryFrame(), cfg.GetMapFrame(), cfg.GetBaselinkFrame(), cfg.GetTrailingWindow(), cfg.GetPathSampling())

	stats := &feedStats{lastReset: time.Now()}

	est.SetOnIncrementalOdometry(func(o estimator.IncrementalOdometry) {
		fusion.OnImuOdometry(o.Pose, o.Time)
	})
	fusion.SetOnFusedOdometry(func(o posefusion.FusedOdometry) {
		stats.addFused()
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		runSyntheticFeed(ctx, cfg, est, fusion, stats)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		logStats(ctx, stats, *logInterval)
	}()

	log.Printf("fusiond: running for %s (lidar period %s)", *duration, *lidarRate)
	select {
	case <-ctx.Done():
		log.Print("fusiond: interrupted")
	case <-time.After(*duration):
		stop()
	}

	wg.Wait()
	log.Printf("fusiond: final estimator state=%s stats=%+v", est.State(), est.Stats())
	log.Printf("fusiond: posefusion stats=%+v, path samples=%d", fusion.Stats(), len(fusion.Path()))
}

// runSyntheticFeed generates a stationary-with-jitter IMU stream at
// cfg.GetNominalImuPeriod() and a constant-identity LiDAR correction stream
// at lidarRate, feeding both actors until ctx is done. This is a smoke-test
// feed, not a sensor driver: its only job is to exercise the full
// init/optimize/propagate/fuse pipeline end to end.
func runSyntheticFeed(ctx context.Context, cfg *fusionconfig.Config, est *estimator.Estimator, fusion *posefusion.PoseFusion, stats *feedStats) {
	imuTicker := time.NewTicker(cfg.GetNominalImuPeriod())
	defer imuTicker.Stop()
	lidarTicker := time.NewTicker(*lidarRate)
	defer lidarTicker.Stop()

	gravity := cfg.GetImuGravity()
	var tick int64

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-imuTicker.C:
			tick++
			jitter := 0.01 * math.Sin(float64(tick)*0.01)
			sample := spatial.ImuSample{
				Time:  now,
				Accel: r3.Vec{X: jitter, Y: 0, Z: gravity},
				Gyro:  r3.Vec{X: 0, Y: 0, Z: jitter},
			}
			est.OnImu(sample)
			stats.addImu()
		case now := <-lidarTicker.C:
			pose := spatial.LidarPoseFromCovariance(spatial.IdentityPose(), now, [36]float64{})
			if err := est.OnLidarPose(pose); err != nil {
				log.Printf("fusiond: OnLidarPose: %v", err)
				continue
			}
			fusion.OnLidarPose(pose)
			stats.addLidar()
		}
	}
}

func logStats(ctx context.Context, stats *feedStats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			imu, lidar, fused, dur := stats.getAndReset()
			secs := dur.Seconds()
			if secs <= 0 {
				continue
			}
			log.Printf("fusiond stats (/sec): %.1f imu, %.1f lidar, %.1f fused", float64(imu)/secs, float64(lidar)/secs, float64(fused)/secs)
		}
	}
}
