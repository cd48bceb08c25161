package deps

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"

	"stepforge/internal/services"
)

// FreeBytes reports the space available to unprivileged users on the file
// system holding path.
func FreeBytes(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}

// CheckFreeSpace fails with services.ErrValidation when path has less than
// minGiB available. A non-positive minimum disables the check.
func CheckFreeSpace(path string, minGiB float64) error {
	if minGiB <= 0 {
		return nil
	}
	free, err := FreeBytes(path)
	if err != nil {
		return err
	}
	need := uint64(minGiB * float64(1<<30))
	if free < need {
		return fmt.Errorf("%w: only %s free under %s, need %s",
			services.ErrValidation, humanize.IBytes(free), path, humanize.IBytes(need))
	}
	return nil
}
