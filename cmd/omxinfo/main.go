package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/open-mx/omx/internal/driver"
)

// omxinfo dumps the boards and endpoints a driver reports, in the spirit
// of mx_info (spec.md §6.1 GET_BOARD_COUNT / GET_BOARD_INFO).
func main() {
	// Entry shifts of 12 give 4096-byte sendq/recvq entries, matching
	// the default MEDIUMSQ fragment size (spec.md §4.7).
	drv, err := driver.Open(12, 12)
	if err != nil {
		logrus.Fatalf("open driver: %v", err)
	}

	count, err := drv.GetBoardCount()
	if err != nil {
		logrus.Fatalf("get board count: %v", err)
	}

	fmt.Printf("%d board(s) found\n", count)
	for b := 0; b < count; b++ {
		info, err := drv.GetBoardInfo(b)
		if err != nil {
			logrus.WithField("board", b).Warnf("get board info: %v", err)
			continue
		}
		status := "down"
		if info.Up {
			status = "up"
		}
		fmt.Printf("board %d: %s (%02x:%02x:%02x:%02x:%02x:%02x) mtu=%d numa=%d %s\n",
			b, info.IfaceName,
			info.Addr[0], info.Addr[1], info.Addr[2], info.Addr[3], info.Addr[4], info.Addr[5],
			info.MTU, info.NUMANode, status)
	}

	if len(os.Args) > 1 && os.Args[1] == "-v" {
		desc := drv.Descriptor()
		fmt.Printf("session=%d hz=%d abi=%d\n", desc.SessionID, desc.HZ, desc.ABIVersion)
	}
}
