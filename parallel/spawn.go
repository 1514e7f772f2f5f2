package parallel

import "time"

// SpawnState is the input to a SpawnPolicy, sampled under the group lock
// whenever queues change.
type SpawnState struct {
	// Workers is the number of running workers.
	Workers int

	// Idle is the number of workers currently parked waiting for work.
	Idle int

	// MinThreads and MaxThreads are the configured pool bounds.
	MinThreads int
	MaxThreads int

	// SinceIdle is the time since a worker last parked or began working,
	// or since the last worker was started. It is zero while any worker
	// is idle.
	SinceIdle time.Duration

	// BusyThreshold is the configured busy threshold.
	BusyThreshold time.Duration

	// AssumeBusy is the hint passed to NotifyQueuesChanged.
	AssumeBusy bool
}

// SpawnPolicy decides whether NotifyQueuesChanged starts one more worker.
// The group never exceeds MaxThreads regardless of the policy's answer.
type SpawnPolicy func(SpawnState) bool

// DefaultSpawnPolicy spawns while the pool is below its floor
// (max(1, MinThreads)), and otherwise only when no worker is idle and none
// has parked or started working for longer than BusyThreshold.
//
// Neither queue depth nor AssumeBusy starts a worker, so a burst of work
// after an idle stretch is absorbed by the workers that already exist.
func DefaultSpawnPolicy(s SpawnState) bool {
	if s.Workers >= s.MaxThreads {
		return false
	}
	if s.Workers < max(1, s.MinThreads) {
		return true
	}
	if s.Idle > 0 {
		return false
	}
	return s.SinceIdle > s.BusyThreshold
}

// FixedSpawnPolicy only fills the pool up to MinThreads.
func FixedSpawnPolicy(s SpawnState) bool {
	return s.Workers < max(1, s.MinThreads) && s.Workers < s.MaxThreads
}
