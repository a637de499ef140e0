//go:build !linux

package cpudrv

func submitIOUringCopy(d *Driver, s *stream, tok uint64, fn func() error) bool {
	return false
}
