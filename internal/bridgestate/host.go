package bridgestate

import (
	"os"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// HostStats is a coarse view of the machine a bridge runs on.
type HostStats struct {
	Hostname       string  `json:"hostname"`
	CPUs           int     `json:"cpus"`
	Load1          float64 `json:"load1"`
	MemUsedPercent float64 `json:"mem_used_percent"`
}

// ReadHost samples the local host. Fields that cannot be read on this
// platform are left zero.
func ReadHost() *HostStats {
	h := &HostStats{}
	h.Hostname, _ = os.Hostname()
	if n, err := cpu.Counts(true); err == nil {
		h.CPUs = n
	}
	if avg, err := load.Avg(); err == nil {
		h.Load1 = avg.Load1
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		h.MemUsedPercent = vm.UsedPercent
	}
	return h
}
