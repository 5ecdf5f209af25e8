//go:build windows

package monitor

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// diskFreeSpace reports total and free bytes for the volume that drive (a
// "P:\" style root) is mounted on, via GetDiskFreeSpaceEx.
func diskFreeSpace(drive string) (total int64, free int64, err error) {
	root := NormalizeDrive(drive)
	if root == "" {
		return 0, 0, fmt.Errorf("empty drive")
	}

	rootPtr, err := windows.UTF16PtrFromString(root)
	if err != nil {
		return 0, 0, fmt.Errorf("encode drive %s: %w", root, err)
	}

	var freeAvail, totalBytes, totalFree uint64
	if err := windows.GetDiskFreeSpaceEx(rootPtr, &freeAvail, &totalBytes, &totalFree); err != nil {
		return 0, 0, fmt.Errorf("GetDiskFreeSpaceEx %s: %w", root, err)
	}

	return int64(totalBytes), int64(freeAvail), nil
}
