// Copyright 2016 Aleksandr Demakin. All rights reserved.

// Package helper contains shared memory shortcuts used by the runtime packages.
package helper

import (
	"github.com/nxgtw/actor-ipc/shm"

	"github.com/pkg/errors"
)

// CreateWritableRegion is a helper, which:
//	- creates a shared memory object of the given size.
//	- creates a read-write mapping of size bytes.
//	- returns both the handle and the mapping, or closes everything on error.
func CreateWritableRegion(size int, freezable bool, opts ...shm.Option) (*shm.Handle, *shm.Mapping, error) {
	obj, resultErr := shm.Create(size, freezable, opts...)
	if resultErr != nil {
		return nil, nil, errors.Wrap(resultErr, "failed to create shm object")
	}
	region, resultErr := obj.Map(size)
	if resultErr != nil {
		obj.Close()
		return nil, nil, errors.Wrap(resultErr, "failed to create shm region")
	}
	return obj, region, nil
}

// MapReceived maps size bytes of a handle received from a peer,
// validating that the object is large enough.
func MapReceived(obj *shm.Handle, size int) (*shm.Mapping, error) {
	if size > obj.Size() {
		return nil, errors.Wrapf(shm.ErrTooLarge, "%d bytes requested, object has %d", size, obj.Size())
	}
	if size == 0 {
		size = obj.Size()
	}
	region, err := obj.Map(size)
	if err != nil {
		return nil, errors.Wrap(err, "failed to map received shm object")
	}
	return region, nil
}
