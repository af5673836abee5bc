// Copyright 2015 Aleksandr Demakin. All rights reserved.

package ipc

// Rights describes access rights of a shared memory handle or mapping.
type Rights int

// access rights for shared memory handles and mappings.
const (
	RightsNone Rights = iota
	RightsRead
	RightsReadWrite
)

func (r Rights) String() string {
	switch r {
	case RightsNone:
		return "none"
	case RightsRead:
		return "read"
	case RightsReadWrite:
		return "read-write"
	default:
		return "unknown"
	}
}

// CanWrite returns true, if the rights allow modification of the memory.
func (r Rights) CanWrite() bool {
	return r == RightsReadWrite
}
