//go:build linux || darwin || freebsd

package mm

import "golang.org/x/sys/unix"

// mapRAM backs the RAM window with an anonymous private mapping so large
// machines only pay for the pages they touch.
func mapRAM(size int) ([]byte, func([]byte) error, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, nil, err
	}

	return data, unix.Munmap, nil
}
