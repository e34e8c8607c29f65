//go:build linux || darwin || freebsd || netbsd || openbsd

package vmalloc

import (
	"golang.org/x/sys/unix"
)

func acquire(size int) ([]byte, bool, error) {
	buf, err := unix.Mmap(
		-1, 0,
		size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON,
	)
	if err != nil {
		return nil, false, err
	}
	return buf, true, nil
}

func release(buf []byte) error {
	return unix.Munmap(buf)
}

func protect(buf []byte, prot Protection) error {
	p := unix.PROT_NONE
	if prot&ProtRead != 0 {
		p |= unix.PROT_READ
	}
	if prot&ProtWrite != 0 {
		p |= unix.PROT_WRITE
	}
	return unix.Mprotect(buf, p)
}
