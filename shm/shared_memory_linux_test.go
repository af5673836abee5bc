// Copyright 2015 Aleksandr Demakin. All rights reserved.

package shm

import (
	"strings"
	"testing"

	ipc "github.com/nxgtw/actor-ipc"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestShmFsFromReader(t *testing.T) {
	const (
		testData = `
			#
			# /etc/fstab
			# name dir type opts freq passno
			UUID=cd459033-ae0a-4fb4-96fb-2323365a8e21 /                       ext4    defaults        1 1
			UUID=4542ef12-df3d-4336-9d12-740763854139 /boot                   ext4    defaults        1 2
			UUID=53d61062-7b6b-4f5b-80fd-7baf4017f96d swap                    swap    defaults        0 0
			tmpfs /dev/shm tmpfs rw,seclabel,nosuid,nodev 0 0
		`
		testData2 = "tmpfs /dev/shm nottmpfs rw,seclabel,nosuid,nodev 0 0"
	)
	path := shmFsFromReader(strings.NewReader(testData))
	if path != "/dev/shm/" {
		t.Errorf("shm mountpoints not parsed. expected '/dev/shm/', got '%s'", path)
	}
	path = shmFsFromReader(strings.NewReader(testData2))
	if path != "" {
		t.Errorf("shm mountpoint should not be parsed. got '%s'", path)
	}
}

func TestFreezeSealsObject(t *testing.T) {
	a := assert.New(t)
	h, err := Create(1, true)
	if !a.NoError(err) {
		return
	}
	ro, err := h.Freeze()
	if !a.NoError(err) {
		return
	}
	defer ro.Close()
	a.True(isFrozen(ro.file))
	seals, err := unix.FcntlInt(ro.Fd(), unix.F_GET_SEALS, 0)
	if a.NoError(err) {
		a.NotZero(seals & unix.F_SEAL_SEAL)
		a.NotZero(seals & unix.F_SEAL_GROW)
	}
	_, err = unix.Mmap(int(ro.Fd()), 0, ro.Size(), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	a.Error(err)
}

func TestFallbackObjectFreeze(t *testing.T) {
	a := assert.New(t)
	if _, err := shmDirectory(); err != nil {
		t.Skip("no shm filesystem")
	}
	file, path, err := createFallbackObject(4096, true)
	if !a.NoError(err) {
		return
	}
	a.NotEmpty(path)
	h := newHandle(&handle{file: file, path: path, size: 4096, rights: ipc.RightsReadWrite, freezable: true})
	m, err := h.Map(4096)
	if !a.NoError(err) {
		return
	}
	m.Data()[0] = 42
	a.NoError(m.Close())
	ro, err := h.Freeze()
	if !a.NoError(err) {
		return
	}
	defer ro.Close()
	a.NoFileExists(path)
	rom, err := ro.Map(4096)
	if !a.NoError(err) {
		return
	}
	defer rom.Close()
	a.Equal(byte(42), rom.Data()[0])
	a.Equal(ErrFrozen, errors.Cause(rom.Protect(0, 4096, ipc.RightsReadWrite)))
}
