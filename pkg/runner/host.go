package runner

import (
	"context"
	"runtime"

	"github.com/docker/go-units"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/sirupsen/logrus"
)

// logHost records memory and load of the benchmarking host for the run.
func logHost(ctx context.Context, log logrus.FieldLogger) {
	fields := logrus.Fields{"cpus": runtime.NumCPU()}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		fields["mem_total"] = units.BytesSize(float64(vm.Total))
		fields["mem_available"] = units.BytesSize(float64(vm.Available))
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		fields["load1"] = avg.Load1
	}

	log.WithFields(fields).Debug("Host snapshot")
}
