package pipeline

import (
	"runtime"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
)

// logMemory records process and system memory at phase boundaries. Long
// runs accumulate trial history in the samplers, so drift here is the
// first sign of a leak.
func logMemory(log zerolog.Logger, stage string) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	evt := log.Info().
		Str("stage", stage).
		Uint64("heap_alloc_mb", ms.HeapAlloc/1024/1024).
		Uint64("heap_sys_mb", ms.HeapSys/1024/1024).
		Uint32("num_gc", ms.NumGC)

	if vm, err := mem.VirtualMemory(); err == nil {
		evt = evt.Float64("system_used_percent", vm.UsedPercent)
	}

	evt.Msg("Memory checkpoint")
}
