package driver

import (
	"fmt"

	"github.com/docker/docker/pkg/parsers/kernel"

	"github.com/open-mx/omx/internal/mxerr"
)

// LibABIVersion is the ABI version this library was built against. A
// driver reporting a different value in its Descriptor fails CheckABI
// with BadKernelABI (spec.md §7).
const LibABIVersion = 1

// CheckABI compares the driver-reported ABI version against LibABIVersion,
// following the teacher's pattern (pkg/linux/init.go) of gating behavior
// on a version read once at open time rather than probing feature-by-
// feature. Unlike the teacher (which gates tcp_info struct size on a
// kernel release number), the open-mx ABI is a single integer the driver
// reports directly in the descriptor page, so no version table is
// needed — but the "compare once, remember the outcome" shape is kept.
func CheckABI(d *Descriptor) error {
	if d.ABIVersion != LibABIVersion {
		return mxerr.Wrap(mxerr.BadKernelABI, fmt.Errorf("driver ABI %d, library built for %d", d.ABIVersion, LibABIVersion))
	}
	return nil
}

// HostKernelAtLeast reports whether the running kernel is at or above
// (k, major, minor), reusing the teacher's docker/docker kernel-version
// comparison helper (pkg/kernel/kernel_unix.go). The core protocol engine
// does not depend on kernel version, and nothing in this module calls
// this helper: Open does not check the host kernel version.
func HostKernelAtLeast(k, major, minor int) (bool, error) {
	v, err := kernel.GetKernelVersion()
	if err != nil {
		return false, err
	}
	return kernel.CompareKernelVersion(*v, kernel.VersionInfo{Kernel: k, Major: major, Minor: minor}) >= 0, nil
}
