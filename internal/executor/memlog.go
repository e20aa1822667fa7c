package executor

import (
	"runtime"

	logx "procexec/pkg/logx"
)

// MemoryProbe samples the memory in use by the process, in bytes.
type MemoryProbe interface {
	Sample() (uint64, bool)
}

// RuntimeProbe reports heap bytes in use as seen by the Go runtime.
type RuntimeProbe struct{}

func (RuntimeProbe) Sample() (uint64, bool) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapInuse, true
}

const mib = 1024 * 1024.0

// withMemoryScope runs fn and logs process memory before and after it.
func (e *Executor) withMemoryScope(log logx.Logger, fn func() error) error {
	if e.probe == nil {
		log.Debug("memory stats not available")
		return fn()
	}
	start, ok := e.probe.Sample()
	if !ok {
		log.Debug("memory stats not available")
		return fn()
	}
	defer func() {
		end, ok := e.probe.Sample()
		if !ok {
			return
		}
		log.Info("job memory",
			logx.Float64("start_mb", float64(start)/mib),
			logx.Float64("end_mb", float64(end)/mib),
			logx.Float64("delta_mb", (float64(end)-float64(start))/mib),
		)
	}()
	return fn()
}
