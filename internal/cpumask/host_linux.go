//go:build linux

package cpumask

import "golang.org/x/sys/unix"

// hostMask reads the scheduler affinity of the current process and converts
// it into a Mask. Returns nil if the affinity cannot be determined.
func hostMask(ncpus int) *Mask {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil
	}
	m := New(ncpus)
	for cpu := 0; cpu < ncpus; cpu++ {
		if set.IsSet(cpu) {
			m.Set(cpu)
		}
	}
	if m.IsEmpty() {
		return nil
	}
	return m
}
