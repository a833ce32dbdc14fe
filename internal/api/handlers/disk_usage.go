package handlers

import (
	"fmt"
	"syscall"
)

// DiskUsage is the capacity of the filesystem holding the data directory.
type DiskUsage struct {
	TotalBytes     int64 `json:"total_bytes"`
	UsedBytes      int64 `json:"used_bytes"`
	AvailableBytes int64 `json:"available_bytes"`
}

// diskUsage reads filesystem capacity for path. Unix only.
func diskUsage(path string) (*DiskUsage, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return nil, fmt.Errorf("statfs %s: %w", path, err)
	}

	total := int64(stat.Blocks) * int64(stat.Bsize)
	available := int64(stat.Bavail) * int64(stat.Bsize)
	return &DiskUsage{
		TotalBytes:     total,
		UsedBytes:      total - available,
		AvailableBytes: available,
	}, nil
}
