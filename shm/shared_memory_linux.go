// Copyright 2015 Aleksandr Demakin. All rights reserved.

//go:build linux

package shm

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	memfdName        = "actor-ipc"
	defaultShmPath   = "/dev/shm/"
	cShmfsSuperMagic = 0x01021994
	cRamfsMagic      = 0x858458f6
)

var (
	shmPathOnce sync.Once
	shmPath     string
)

type mntent struct {
	fsname string /* Device or server for filesystem.  */
	dir    string /* Directory mounted on.  */
	fstype string /* Type of filesystem: ufs, nfs, etc.  */
	opts   string /* Comma-separated options for fs.  */
	freq   int    /* Dump frequency (in days).  */
	passno int    /* Pass number for `fsck'.  */
}

// createObject creates a memfd object. Kernels without memfd_create
// get a file in the shm directory instead.
func createObject(size int, freezable bool) (*os.File, string, error) {
	flags := unix.MFD_CLOEXEC
	if freezable {
		flags |= unix.MFD_ALLOW_SEALING
	}
	fd, err := unix.MemfdCreate(memfdName, flags)
	if err != nil {
		if err == unix.ENOSYS {
			return createFallbackObject(size, freezable)
		}
		return nil, "", errors.Wrap(err, "memfd_create failed")
	}
	file := os.NewFile(uintptr(fd), memfdName)
	if err = file.Truncate(int64(size)); err != nil {
		file.Close()
		return nil, "", errors.Wrap(err, "truncate failed")
	}
	return file, "", nil
}

// freezeObject seals the memfd against any writes and reopens it read-only.
// F_SEAL_WRITE fails with EBUSY while a writable shared mapping of the object
// exists in any process, forked children included, so no writable view
// survives a successful freeze.
func freezeObject(file *os.File, path string) (*os.File, error) {
	if path != "" {
		return freezeFallbackObject(file, path)
	}
	fd := file.Fd()
	if _, err := unix.FcntlInt(fd, unix.F_ADD_SEALS, unix.F_SEAL_WRITE); err != nil {
		if err == unix.EBUSY {
			return nil, ErrMapped
		}
		return nil, errors.Wrap(err, "write seal failed")
	}
	seals := unix.F_SEAL_SHRINK | unix.F_SEAL_GROW | unix.F_SEAL_SEAL
	if _, err := unix.FcntlInt(fd, unix.F_ADD_SEALS, seals); err != nil {
		return nil, errors.Wrap(err, "seal failed")
	}
	ro, err := os.OpenFile(fmt.Sprintf("/proc/self/fd/%d", fd), os.O_RDONLY, 0)
	if err != nil {
		return nil, errors.Wrap(err, "reopen failed")
	}
	return ro, nil
}

func isFrozen(file *os.File) bool {
	seals, err := unix.FcntlInt(file.Fd(), unix.F_GET_SEALS, 0)
	if err != nil {
		return false
	}
	return seals&unix.F_SEAL_WRITE != 0
}

// checkMappable accepts only regular files living on a shm filesystem.
func checkMappable(file *os.File) error {
	fd := int(file.Fd())
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return errors.Wrap(err, "fstat failed")
	}
	if st.Mode&unix.S_IFMT != unix.S_IFREG {
		return ErrUnsafeHandle
	}
	var statfs unix.Statfs_t
	if err := unix.Fstatfs(fd, &statfs); err != nil {
		return errors.Wrap(err, "fstatfs failed")
	}
	if !isShmFs(int64(statfs.Type)) {
		return ErrUnsafeHandle
	}
	return nil
}

func fallbackDirectory() (string, error) {
	return shmDirectory()
}

func shmDirectory() (string, error) {
	shmPathOnce.Do(locateShmFs)
	if len(shmPath) == 0 {
		return shmPath, errors.New("error locating the shared memory path")
	}
	return shmPath, nil
}

// glibc/sysdeps/unix/sysv/linux/shm-directory.c
func locateShmFs() {
	if checkShmPath(defaultShmPath) {
		shmPath = defaultShmPath
	} else {
		shmPath = shmFsFromMounts()
	}
}

func checkShmPath(path string) bool {
	if len(path) == 0 {
		return false
	}
	var statfs unix.Statfs_t
	if err := unix.Statfs(path, &statfs); err != nil {
		return false
	}
	// unconvert says 'warning: redundant type conversion',
	// however, it is not, as statfs.Type has different types on different platforms.
	return isShmFs(int64(statfs.Type))
}

func isShmFs(fsType int64) bool {
	return fsType == cShmfsSuperMagic || fsType == cRamfsMagic
}

func shmFsFromMounts() string {
	var fsFile *os.File
	var err error
	if fsFile, err = os.Open("/proc/mounts"); err != nil {
		if fsFile, err = os.Open("/etc/fstab"); err != nil {
			return ""
		}
	}
	return shmFsFromReader(fsFile)
}

func shmFsFromReader(r io.Reader) string {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if record := scanMountRecord(line); record != nil {
			if record.fstype == "tmpfs" || record.fstype == "shm" {
				result := record.dir
				if checkShmPath(result) {
					if !strings.HasSuffix(result, "/") {
						result = result + "/"
					}
					return result
				}
			}
		}
	}
	return ""
}

func scanMountRecord(record string) (result *mntent) {
	wordScanner := bufio.NewScanner(strings.NewReader(record))
	wordScanner.Split(bufio.ScanWords)
	if wordScanner.Scan() {
		word := wordScanner.Text()
		if strings.HasPrefix(word, "#") {
			return
		}
		result = &mntent{fsname: word}
	} else {
		return
	}
	if wordScanner.Scan() {
		result.dir = wordScanner.Text()
	} else {
		return
	}
	if wordScanner.Scan() {
		result.fstype = wordScanner.Text()
	} else {
		return
	}
	if wordScanner.Scan() {
		result.opts = wordScanner.Text()
	} else {
		return
	}
	var err error
	if wordScanner.Scan() {
		if result.freq, err = strconv.Atoi(wordScanner.Text()); err != nil {
			return
		}
	} else {
		return
	}
	if wordScanner.Scan() {
		if result.passno, err = strconv.Atoi(wordScanner.Text()); err != nil {
			return
		}
	} else {
		return
	}
	return
}
