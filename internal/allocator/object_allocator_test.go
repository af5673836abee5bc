// Copyright 2015 Aleksandr Demakin. All rights reserved.

package allocator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPageRange(t *testing.T) {
	a := assert.New(t)
	const ps = 16
	data := make([]byte, 64)
	r, ok := PageRange(data, 17, 3, ps)
	if a.True(ok) {
		a.Equal(16, len(r))
		a.Equal(16, cap(r))
		a.Same(&data[16], &r[0])
	}
	r, ok = PageRange(data, 15, 2, ps)
	if a.True(ok) {
		a.Equal(32, len(r))
	}
	r, ok = PageRange(data, 0, 64, ps)
	if a.True(ok) {
		a.Equal(64, len(r))
	}
	_, ok = PageRange(data, 60, 8, ps)
	a.False(ok)
	_, ok = PageRange(data, 0, 0, ps)
	a.False(ok)
	_, ok = PageRange(data, -1, 4, ps)
	a.False(ok)
}
