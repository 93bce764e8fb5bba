//go:build unix

package engine

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// diskUsageFraction reports the fraction of disk space used on dir's
// filesystem, the same statfs-based check the recording worker consults
// before allowing a new recording to start.
func diskUsageFraction(dir string) (float64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", dir, err)
	}
	if stat.Blocks == 0 {
		return 0, nil
	}
	used := stat.Blocks - stat.Bfree
	return float64(used) / float64(stat.Blocks), nil
}
