package health

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// DefaultConntrackDegraded is the table occupancy above which the connection
// tracker reports degraded.
const DefaultConntrackDegraded = 0.9

// EngineCheck reports unhealthy once the engine has been shut down.
func EngineCheck(e interface{ Closed() bool }) CheckFunc {
	return func(ctx context.Context) Check {
		if e.Closed() {
			return Check{Status: StatusUnhealthy, Message: "engine shut down; dropping all packets"}
		}
		return Check{Status: StatusHealthy, Message: "engine running"}
	}
}

// ConntrackCheck reports table occupancy. A full table is unhealthy since new
// flows are no longer tracked.
func ConntrackCheck(t interface {
	Len() int
	Cap() int
}, degradedAt float64) CheckFunc {
	return func(ctx context.Context) Check {
		n, limit := t.Len(), t.Cap()
		if limit <= 0 {
			return Check{Status: StatusHealthy, Message: fmt.Sprintf("%d flows tracked", n)}
		}
		msg := fmt.Sprintf("%d of %d flows tracked", n, limit)
		switch {
		case n >= limit:
			return Check{Status: StatusUnhealthy, Message: msg}
		case float64(n) >= degradedAt*float64(limit):
			return Check{Status: StatusDegraded, Message: msg}
		}
		return Check{Status: StatusHealthy, Message: msg}
	}
}

// Runner is anything with a name that is either running or not.
type Runner interface {
	Name() string
	IsRunning() bool
}

// RunnersCheck reports degraded when any runner has stopped.
func RunnersCheck(runners ...Runner) CheckFunc {
	return func(ctx context.Context) Check {
		var stopped []string
		for _, r := range runners {
			if !r.IsRunning() {
				stopped = append(stopped, r.Name())
			}
		}
		if len(stopped) > 0 {
			return Check{Status: StatusDegraded, Message: "stopped: " + strings.Join(stopped, ", ")}
		}
		return Check{Status: StatusHealthy, Message: fmt.Sprintf("%d running", len(runners))}
	}
}

// DiskCheck verifies dir is writable.
func DiskCheck(dir string) CheckFunc {
	return func(ctx context.Context) Check {
		f, err := os.CreateTemp(dir, ".health_check")
		if err != nil {
			return Check{Status: StatusDegraded, Message: fmt.Sprintf("disk write failed: %v", err)}
		}
		name := f.Name()
		f.Close()
		os.Remove(name)
		return Check{Status: StatusHealthy, Message: "disk writable"}
	}
}
