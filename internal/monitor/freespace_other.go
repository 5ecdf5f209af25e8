//go:build !windows

package monitor

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// mountPointFor resolves a configured drive reference to a local mount
// point on non-Windows hosts, where NAS shares are mounted under a regular
// path rather than addressed by drive letter. A drive value that is already
// an absolute path is used as-is; a bare letter ("Z", "Z:", "Z:\") is looked
// up in /proc/mounts for the mount whose mount point ends in "/<letter>"
// (case-insensitive), the convention used when the operator mounts a share
// at /mnt/<letter>.
func mountPointFor(drive string) (string, error) {
	if strings.HasPrefix(drive, "/") {
		return drive, nil
	}

	letter := strings.TrimSuffix(strings.TrimSuffix(strings.ToUpper(strings.TrimSpace(drive)), `\`), ":")
	if letter == "" {
		return "", fmt.Errorf("empty drive")
	}

	f, err := os.Open("/proc/mounts")
	if err != nil {
		return "", fmt.Errorf("read /proc/mounts: %w", err)
	}
	defer f.Close()

	want := "/" + letter
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		target := fields[1]
		if strings.EqualFold(target, want) || strings.HasSuffix(strings.ToUpper(target), strings.ToUpper(want)) {
			return target, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan /proc/mounts: %w", err)
	}

	return "", fmt.Errorf("no mount found for drive %s", drive)
}

// diskFreeSpace reports total and free bytes for the filesystem backing
// drive's resolved mount point, via statfs(2).
func diskFreeSpace(drive string) (total int64, free int64, err error) {
	mountPoint, err := mountPointFor(drive)
	if err != nil {
		return 0, 0, err
	}

	var stat unix.Statfs_t
	if err := unix.Statfs(mountPoint, &stat); err != nil {
		return 0, 0, fmt.Errorf("statfs %s: %w", mountPoint, err)
	}

	blockSize := uint64(stat.Bsize)
	return int64(stat.Blocks * blockSize), int64(stat.Bavail * blockSize), nil
}
