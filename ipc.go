// Copyright 2016 Aleksandr Demakin. All rights reserved.

package ipc

import "os"

// Destroyer is an object which can be permanently removed.
type Destroyer interface {
	Destroy() error
}

var pageSize = os.Getpagesize()

// PageSize returns the platform memory page size.
func PageSize() int {
	return pageSize
}

// PageAlignedSize rounds size up to the nearest multiple of the page size.
func PageAlignedSize(size int) int {
	if size <= 0 {
		return 0
	}
	return ((size + pageSize - 1) / pageSize) * pageSize
}
