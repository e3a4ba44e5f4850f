// Package sysinfo samples resource usage and enumerates hardware for the
// inventory upload. It is the production implementation of the
// SystemInspector capability the agent core consumes.
package sysinfo

import (
	"fmt"
	"net"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// Status is a point-in-time resource sample. Values are percentages in
// [0, 100].
type Status struct {
	CPUUsage  float64 `json:"cpuUsage"`
	RAMUsage  float64 `json:"ramUsage"`
	DiskUsage float64 `json:"diskUsage"`
}

// DiskInfo describes one partition in the hardware inventory.
type DiskInfo struct {
	Mountpoint string `json:"mountpoint"`
	Filesystem string `json:"filesystem"`
	TotalBytes uint64 `json:"total_bytes"`
}

// Inventory is the hardware description uploaded after authentication.
type Inventory struct {
	Hostname        string     `json:"hostname"`
	OS              string     `json:"os"`
	Platform        string     `json:"platform"`
	PlatformVersion string     `json:"platform_version"`
	CPUModel        string     `json:"cpu_model"`
	CPUCores        int        `json:"cpu_cores"`
	TotalRAMBytes   uint64     `json:"total_ram_bytes"`
	Disks           []DiskInfo `json:"disks"`
	PrimaryMAC      string     `json:"primary_mac"`
	AgentVersion    string     `json:"agent_version"`
}

// Inspector is the SystemInspector capability.
type Inspector interface {
	Status() (Status, error)
	Hardware(agentVersion string) (Inventory, error)
	FreeDiskSpace(path string) (uint64, error)
}

// GopsutilInspector implements Inspector with gopsutil.
type GopsutilInspector struct{}

// New returns the production inspector.
func New() *GopsutilInspector { return &GopsutilInspector{} }

// systemRoot is the path whose volume usage represents "the disk".
func systemRoot() string {
	if runtime.GOOS == "windows" {
		if d := os.Getenv("SystemDrive"); d != "" {
			return d + `\`
		}
		return `C:\`
	}
	return "/"
}

// Status samples cpu, ram, and disk usage. The CPU sample uses a short
// window so values reflect current load rather than boot-time averages.
func (GopsutilInspector) Status() (Status, error) {
	var st Status

	percs, err := cpu.Percent(250*time.Millisecond, false)
	if err != nil || len(percs) == 0 {
		return st, fmt.Errorf("sample cpu: %w", err)
	}
	st.CPUUsage = percs[0]

	vm, err := mem.VirtualMemory()
	if err != nil {
		return st, fmt.Errorf("sample memory: %w", err)
	}
	st.RAMUsage = vm.UsedPercent

	du, err := disk.Usage(systemRoot())
	if err != nil {
		return st, fmt.Errorf("sample disk: %w", err)
	}
	st.DiskUsage = du.UsedPercent

	return st, nil
}

// Hardware enumerates the host for the inventory upload.
func (GopsutilInspector) Hardware(agentVersion string) (Inventory, error) {
	inv := Inventory{AgentVersion: agentVersion}

	hi, err := host.Info()
	if err != nil {
		return inv, fmt.Errorf("host info: %w", err)
	}
	inv.Hostname = hi.Hostname
	inv.OS = hi.OS
	inv.Platform = hi.Platform
	inv.PlatformVersion = hi.PlatformVersion

	if cpus, err := cpu.Info(); err == nil && len(cpus) > 0 {
		inv.CPUModel = cpus[0].ModelName
	}
	if n, err := cpu.Counts(true); err == nil {
		inv.CPUCores = n
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		inv.TotalRAMBytes = vm.Total
	}

	if parts, err := disk.Partitions(false); err == nil {
		for _, p := range parts {
			du, err := disk.Usage(p.Mountpoint)
			if err != nil {
				continue
			}
			inv.Disks = append(inv.Disks, DiskInfo{
				Mountpoint: p.Mountpoint,
				Filesystem: p.Fstype,
				TotalBytes: du.Total,
			})
		}
	}

	inv.PrimaryMAC = primaryMAC()
	return inv, nil
}

// FreeDiskSpace returns the free bytes on the volume containing path.
func (GopsutilInspector) FreeDiskSpace(path string) (uint64, error) {
	du, err := disk.Usage(path)
	if err != nil {
		return 0, fmt.Errorf("disk usage for %s: %w", path, err)
	}
	return du.Free, nil
}

// primaryMAC returns the MAC of the first physical, non-loopback adapter.
func primaryMAC() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagLoopback != 0 || len(ifc.HardwareAddr) < 6 {
			continue
		}
		if ifc.HardwareAddr[0]&0x02 != 0 {
			continue
		}
		return strings.ToLower(ifc.HardwareAddr.String())
	}
	return ""
}
