// Package health implements the /healthz readiness check: both ledger and
// regime databases must pass their integrity check, and the data
// directory's disk must have headroom, mirroring the teacher's
// reliance on gopsutil for host resource checks before declaring a
// service ready.
package health

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
)

// maxDiskUsedPercent is the disk-used threshold past which the service
// reports unhealthy rather than risk a failed SQLite write.
const maxDiskUsedPercent = 95.0

// DBHealthChecker is the narrow collaborator each wired *database.DB
// satisfies.
type DBHealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Checker aggregates every readiness dependency behind a single
// HealthCheck call, the shape internal/server.HealthChecker expects.
type Checker struct {
	databases []DBHealthChecker
	dataDir   string
	log       zerolog.Logger
}

// New constructs a Checker over the given databases and the data directory
// whose disk usage gates readiness.
func New(dataDir string, databases []DBHealthChecker, log zerolog.Logger) *Checker {
	return &Checker{databases: databases, dataDir: dataDir, log: log.With().Str("component", "health").Logger()}
}

// HealthCheck runs every database's integrity check and the disk-space
// guard, failing fast on the first problem found.
func (c *Checker) HealthCheck(ctx context.Context) error {
	for _, db := range c.databases {
		if err := db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("database health check failed: %w", err)
		}
	}

	usage, err := disk.UsageWithContext(ctx, c.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read disk usage for %s: %w", c.dataDir, err)
	}
	if usage.UsedPercent >= maxDiskUsedPercent {
		return fmt.Errorf("disk usage at %.1f%% exceeds %.1f%% threshold for %s", usage.UsedPercent, maxDiskUsedPercent, c.dataDir)
	}
	return nil
}
