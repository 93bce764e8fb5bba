//go:build !unix

package engine

// diskUsageFraction always reports no disk pressure on non-UNIX platforms,
// where the statfs-based check has no equivalent.
func diskUsageFraction(dir string) (float64, error) { return 0, nil }
