package ext2

// MemoryMapper is the thin seam into the embedding kernel's virtual memory
// manager that Mmap needs: somewhere to reserve zeroed, private pages and
// somewhere to copy the file's bytes into them. A freestanding kernel
// supplies a concrete implementation backed by its own page tables; tests
// can supply a trivial byte-slice-backed one. §4.6.
type MemoryMapper interface {
	// MapAnonymous reserves `length` bytes of zeroed virtual memory and
	// returns the address actually used. addr is a hint; fixed requests
	// that exact address be honored instead, which this driver never sets.
	MapAnonymous(addr uintptr, length int, fixed bool) (uintptr, error)
	// WriteAt copies src into the previously mapped region starting at
	// `offset` bytes past its base address.
	WriteAt(base uintptr, offset int, src []byte) error
}

// Mmap establishes a private, read-populated mapping of a descriptor's file
// data. Only MAP_PRIVATE is supported - a shared mapping would require this
// driver to track writeback of dirty pages, which it deliberately does not
// do (§4.6 Non-goals). A fixed address request is refused outright, since
// the embedding kernel reserves the address ranges a fixed mapping could
// collide with (its own image and the HHDM window).
func (v *Volume) Mmap(d *Descriptor, addr uintptr, length int, offset uint64, shared, fixed bool) (uintptr, error) {
	if shared {
		return 0, errnof("mmap", "", ENOSYS)
	}
	if fixed {
		return 0, errnof("mmap", "", EINVAL)
	}
	if v.mapper == nil {
		return 0, errnof("mmap", "", ENOSYS)
	}

	base, err := v.mapper.MapAnonymous(addr, length, false)
	if err != nil {
		return 0, err
	}

	buf := make([]byte, length)
	n, err := v.readRange(d.obj, &d.lookup, offset, buf)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		if err := v.mapper.WriteAt(base, 0, buf[:n]); err != nil {
			return 0, err
		}
	}
	return base, nil
}
