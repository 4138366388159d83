package process

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Usage is a host-wide resource snapshot.
type Usage struct {
	CPUPercent float64 `json:"cpu_percent"`
	RAMUsedMB  float64 `json:"ram_used_mb"`
	RAMTotalMB float64 `json:"ram_total_mb"`
}

// ResourceUsage samples CPU over one second and reads virtual memory. The
// figures describe the host, not a single tenant.
func ResourceUsage(ctx context.Context) (Usage, error) {
	pct, err := cpu.PercentWithContext(ctx, time.Second, false)
	if err != nil {
		return Usage{}, err
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Usage{}, err
	}
	u := Usage{
		RAMUsedMB:  float64(vm.Used) / (1024 * 1024),
		RAMTotalMB: float64(vm.Total) / (1024 * 1024),
	}
	if len(pct) > 0 {
		u.CPUPercent = pct[0]
	}
	return u, nil
}
