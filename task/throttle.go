package task

import (
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"

	"vocalscribe/config"
)

// ResourceChecker decides whether the host can take on another pipeline run.
type ResourceChecker interface {
	Check() error
}

type systemResources struct {
	idleCPU  float64
	freeMem  int64
	freeDisk int64
	dir      string
	log      *logrus.Entry
}

// newSystemResources returns nil when every threshold is disabled.
func newSystemResources(cfg *config.Config, log *logrus.Entry) ResourceChecker {
	if cfg.ThrottleCPU <= 0 && cfg.ThrottleFreeMem <= 0 && cfg.ThrottleFreeDisk <= 0 {
		return nil
	}
	return &systemResources{
		idleCPU:  cfg.ThrottleCPU,
		freeMem:  cfg.ThrottleFreeMem,
		freeDisk: cfg.ThrottleFreeDisk,
		dir:      cfg.UploadDir,
		log:      log,
	}
}

// Check verifies that the system has enough free resources to start a new run.
// Probe failures are logged and do not block work.
func (r *systemResources) Check() error {
	if r.idleCPU > 0 {
		p, err := cpu.Percent(time.Second, false)
		if err != nil {
			r.log.WithError(err).Warn("could not get CPU usage")
		} else if len(p) > 0 && p[0] > (100.0-r.idleCPU) {
			return fmt.Errorf("not enough idle CPU. Current usage: %.2f%%, Idle threshold: %.2f%%", p[0], r.idleCPU)
		}
	}

	if r.freeMem > 0 {
		vm, err := mem.VirtualMemory()
		if err != nil {
			r.log.WithError(err).Warn("could not get memory usage")
		} else if vm.Available < uint64(r.freeMem) {
			return fmt.Errorf("not enough free memory. Available: %d, Required: %d", vm.Available, r.freeMem)
		}
	}

	if r.freeDisk > 0 {
		d, err := disk.Usage(r.dir)
		if err != nil {
			r.log.WithError(err).WithField("dir", r.dir).Warn("could not get disk usage")
		} else if d.Free < uint64(r.freeDisk) {
			return fmt.Errorf("not enough free disk space. Available: %d, Required: %d", d.Free, r.freeDisk)
		}
	}
	return nil
}
