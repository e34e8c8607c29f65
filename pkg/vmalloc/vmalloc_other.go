//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package vmalloc

func acquire(size int) ([]byte, bool, error) {
	return make([]byte, size), false, nil
}

func release(buf []byte) error {
	return nil
}

func protect(buf []byte, prot Protection) error {
	return nil
}
