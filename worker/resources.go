package worker

import (
	"fmt"
	"log"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// Thresholds below which a new job is refused. Zero disables a check.
type Thresholds struct {
	// IdleCPU is the minimum idle CPU percentage.
	IdleCPU  float64
	FreeMem  int64
	FreeDisk int64
}

// checkResources verifies that the system has enough free resources to start
// a new job writing into dir.
func checkResources(th Thresholds, dir string) error {
	// CPU
	if th.IdleCPU > 0 {
		p, err := cpu.Percent(500*time.Millisecond, false)
		if err != nil {
			log.Printf("Warning: could not get CPU usage: %v", err)
		} else if len(p) > 0 && p[0] > (100.0-th.IdleCPU) {
			return fmt.Errorf("not enough idle CPU. Current usage: %.2f%%, Idle threshold: %.2f%%", p[0], th.IdleCPU)
		}
	}

	// Memory
	if th.FreeMem > 0 {
		vm, err := mem.VirtualMemory()
		if err != nil {
			log.Printf("Warning: could not get memory usage: %v", err)
		} else if vm.Available < uint64(th.FreeMem) {
			return fmt.Errorf("not enough free memory. Available: %d, Required: %d", vm.Available, th.FreeMem)
		}
	}

	// Disk
	if th.FreeDisk > 0 {
		d, err := disk.Usage(dir)
		if err != nil {
			log.Printf("Warning: could not get disk usage for %s: %v", dir, err)
		} else if d.Free < uint64(th.FreeDisk) {
			return fmt.Errorf("not enough free disk space. Available: %d, Required: %d", d.Free, th.FreeDisk)
		}
	}
	return nil
}
