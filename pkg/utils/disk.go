package utils

import (
	"fmt"

	"github.com/milindmadhukar/datafetch/pkg/interfaces"
	"github.com/shirou/gopsutil/v3/disk"
)

// diskFree returns the bytes available to the current user on the
// filesystem holding dir
func diskFree(dir string) (uint64, error) {
	usage, err := disk.Usage(dir)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// checkFreeSpace fails with ErrInsufficientSpace when fewer than needed
// bytes are free in dir. An unknown size or an unreadable filesystem is not
// treated as a failure.
func (h *HTTPClient) checkFreeSpace(dir string, needed int64) error {
	if needed <= 0 || h.freeSpace == nil {
		return nil
	}

	free, err := h.freeSpace(dir)
	if err != nil {
		h.logger.Debugf("Could not determine free space in %s: %v", dir, err)
		return nil
	}

	if free < uint64(needed) {
		return fmt.Errorf("%w: need %s, %s available in %s",
			interfaces.ErrInsufficientSpace, FormatBytes(needed), FormatBytes(int64(free)), dir)
	}

	return nil
}
