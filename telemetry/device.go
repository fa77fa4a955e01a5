package telemetry

import (
	"fmt"
	"log/slog"
	"runtime"

	"github.com/klauspost/cpuid/v2"
)

// Device describes where a run executes.
type Device struct {
	Name         string // "cpu" or the requested accelerator
	Requested    string // accelerator requested by configuration
	Fallback     bool   // accelerator requested but unavailable
	CPUBrand     string
	PhysicalCore int
	LogicalCore  int
	GOMAXPROCS   int
	AVX2         bool
	FMA3         bool
}

// DeviceInfo reports the host CPU. Computation always runs on the CPU, so
// an accelerator request (cuda >= 0) is recorded as a fallback.
func DeviceInfo(cuda int) Device {
	d := Device{
		Name:         "cpu",
		Requested:    "cpu",
		CPUBrand:     cpuid.CPU.BrandName,
		PhysicalCore: cpuid.CPU.PhysicalCores,
		LogicalCore:  cpuid.CPU.LogicalCores,
		GOMAXPROCS:   runtime.GOMAXPROCS(0),
		AVX2:         cpuid.CPU.Supports(cpuid.AVX2),
		FMA3:         cpuid.CPU.Supports(cpuid.FMA3),
	}
	if cuda >= 0 {
		d.Requested = fmt.Sprintf("cuda:%d", cuda)
		d.Fallback = true
	}
	return d
}

// Log writes the device report.
func (d Device) Log(logger *slog.Logger) {
	if d.Fallback {
		logger.Warn("accelerator unavailable, running on cpu", "requested", d.Requested)
	}
	logger.Info(fmt.Sprintf("Using: %s", d.Name),
		"cpu", d.CPUBrand,
		"cores", d.PhysicalCore,
		"threads", d.LogicalCore,
		"avx2", d.AVX2,
		"fma3", d.FMA3,
	)
}
