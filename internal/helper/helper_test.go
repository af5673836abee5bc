// Copyright 2016 Aleksandr Demakin. All rights reserved.

package helper

import (
	"testing"

	"github.com/nxgtw/actor-ipc/shm"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestCreateWritableRegion(t *testing.T) {
	a := assert.New(t)
	obj, region, err := CreateWritableRegion(100, false)
	if !a.NoError(err) {
		return
	}
	defer obj.Close()
	defer region.Close()
	a.Equal(100, region.Size())
	a.True(region.Rights().CanWrite())
	_, _, err = CreateWritableRegion(0, false)
	a.Error(err)
}

func TestMapReceived(t *testing.T) {
	a := assert.New(t)
	obj, region, err := CreateWritableRegion(10, false)
	if !a.NoError(err) {
		return
	}
	defer obj.Close()
	defer region.Close()
	region.Data()[9] = 7
	view, err := MapReceived(obj, 10)
	if !a.NoError(err) {
		return
	}
	defer view.Close()
	a.Equal(byte(7), view.Data()[9])
	_, err = MapReceived(obj, obj.Size()+1)
	a.Equal(shm.ErrTooLarge, errors.Cause(err))
}
