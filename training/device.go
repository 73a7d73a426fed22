package training

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// DeviceDescription names the host the trainer runs on, for the startup
// banner and the run ledger
func DeviceDescription() string {
	brand := strings.TrimSpace(cpuid.CPU.BrandName)
	if brand == "" {
		brand = runtime.GOARCH
	}

	var features []string
	if cpuid.CPU.Supports(cpuid.AVX2, cpuid.FMA3) {
		features = append(features, "avx2")
	}
	if cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ) {
		features = append(features, "avx512")
	}
	if cpuid.CPU.Supports(cpuid.ASIMD) {
		features = append(features, "neon")
	}

	desc := fmt.Sprintf("cpu %s (%d cores, %d threads)", brand, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores)
	if len(features) > 0 {
		desc += " [" + strings.Join(features, ",") + "]"
	}
	return desc
}
