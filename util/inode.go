package util

import (
	"github.com/taigrr/colorhash"
)

// PathInode derives a stable inode number from a canonical path. The
// same path always hashes to the same inode, so attribute queries stay
// consistent across lookups without a global inode registry.
//
// The hash is collision-tolerant, not collision-free: two distinct
// paths can in principle share an inode number. This is a known
// limitation; nothing in the operation surface keys off inode alone.
func PathInode(path string) uint64 {
	h := uint64(colorhash.HashString(path))
	if h == 0 {
		// Inode 0 is reserved by convention.
		return 1
	}
	return h
}
