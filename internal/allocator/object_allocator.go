// Copyright 2015 Aleksandr Demakin. All rights reserved.

// Package allocator contains helpers for working with mapped memory.
package allocator

// PageRange returns a sub-slice of data, which covers [off, off+length)
// and is expanded to page boundaries relative to the beginning of data.
// data must start at a page boundary.
func PageRange(data []byte, off, length, pageSize int) ([]byte, bool) {
	if off < 0 || length <= 0 || off+length > len(data) || pageSize <= 0 {
		return nil, false
	}
	start := (off / pageSize) * pageSize
	end := ((off + length + pageSize - 1) / pageSize) * pageSize
	if end > cap(data) {
		end = cap(data)
	}
	return data[start:end:end], true
}
