// Copyright 2016 Aleksandr Demakin. All rights reserved.

package wire

import "strings"

// Flags is a set of message options. The two lowest bits hold the priority.
type Flags uint32

// message priorities.
const (
	PriorityNormal Flags = iota
	PriorityInput
	PriorityVsync
	PriorityControl

	priorityMask Flags = 0x3
)

// message flags.
const (
	FlagSync Flags = 1 << (iota + 2)
	FlagReply
	FlagReplyError
	FlagUnblock
	FlagHasSentTime
	FlagInterrupt
	FlagCompress
	FlagCompressAll

	// FlagsControl is used by channel-level messages.
	FlagsControl = PriorityControl
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagSync, "sync"},
	{FlagReply, "reply"},
	{FlagReplyError, "reply-error"},
	{FlagUnblock, "unblock"},
	{FlagHasSentTime, "has-sent-time"},
	{FlagInterrupt, "interrupt"},
	{FlagCompress, "compress"},
	{FlagCompressAll, "compress-all"},
}

// Priority returns the priority bits.
func (f Flags) Priority() Flags {
	return f & priorityMask
}

// WithPriority returns flags with the priority replaced.
func (f Flags) WithPriority(p Flags) Flags {
	return f&^priorityMask | p&priorityMask
}

// Has returns true, if all bits of other are set.
func (f Flags) Has(other Flags) bool {
	return f&other == other
}

func (f Flags) String() string {
	parts := []string{[]string{"normal", "input", "vsync", "control"}[f.Priority()]}
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			parts = append(parts, fn.name)
		}
	}
	return strings.Join(parts, "|")
}
