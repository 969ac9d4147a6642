package orchestrator

import (
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/stagebus/am"
	"github.com/teranos/stagebus/errors"
)

const gib = 1024 * 1024 * 1024

// memoryStats is swapped in tests
var memoryStats = func() (total, available uint64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to get memory stats")
	}
	return v.Total, v.Available, nil
}

// safeWorkerCount recommends a worker count for availableGB of free memory.
// A worker driving local inference is assumed to need ~5GB; one running only
// the scan and exec stages far less.
func safeWorkerCount(availableGB float64, inference bool) int {
	const memoryBuffer = 2.0 // GB reserved for everything else on the machine
	perWorker := 0.5
	if inference {
		perWorker = 5.0
	}

	if availableGB < memoryBuffer {
		return 1
	}
	recommended := int((availableGB - memoryBuffer) / perWorker)
	if recommended < 1 {
		return 1
	}
	if recommended > am.MaxWorkers {
		return am.MaxWorkers
	}
	return recommended
}

// checkMemoryPressure warns when the configured worker count exceeds what
// free memory supports. It never changes the count.
func (o *Orchestrator) checkMemoryPressure(workers int) {
	total, available, err := memoryStats()
	if err != nil || total == 0 {
		o.logger.Debugw("Memory check skipped", "error", err)
		return
	}
	availableGB := float64(available) / gib
	totalGB := float64(total) / gib
	recommended := safeWorkerCount(availableGB, o.Config().LocalInference.Enabled)
	if workers > recommended {
		o.logger.Warnw("Worker count exceeds recommended for available memory; consider reducing staging.workers",
			"workers", workers,
			"recommended", recommended,
			"memory_used_gb", totalGB-availableGB,
			"memory_total_gb", totalGB)
	}
}
