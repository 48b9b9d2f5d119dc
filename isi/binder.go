package isi

// unboundHighByte is the selector high-byte threshold above which an NV's
// current selector is considered "unbound" (spec.md §4.4 step 2).
const unboundHighByte = 0x2F

// selectorIsUnbound applies the threshold: any selector whose high byte
// exceeds unboundHighByte has never been programmed with a real value,
// grounded on original_source FNDLOCNV.c.
func selectorIsUnbound(selector uint16) bool {
	return byte(selector>>8) > unboundHighByte
}

// Implement reconciles NVs and aliases with the address table for a
// Pending→InUse transition of record (spec.md §4.4), grounded on
// original_source IMPLEMENT.c/FNDLOCNV.c/HaveBdAl.c/SweepAdr.c.
//
// 1. Resolve (join or allocate) the record's group address-table entry.
// 2. For each selector in [SelectorBase, SelectorBase+Width) and each
// local NV governed by the host or member assembly, program the NV
// directly, or via an alias when extending an existing binding.
// 3. Fire isiImplemented once per affected assembly.
// 4. Sweep the address table for entries nothing refers to anymore.
func Implement(r Record, addr AddressProgrammer, cb AssemblyCallbacks) error {
	group := pickGroup(r, cb)
	if _, ok := addr.AllocGroupEntry(group); !ok {
		return wrap(ErrNoConnectionSpace, "no free group address-table entry")
	}

	profile := Profile{} // link-layer timers applied by the caller's transport selection

	for sel := 0; sel < int(r.Width); sel++ {
		selector := AddSelector(r.SelectorBase, sel)
		for _, assembly := range affectedAssemblies(r) {
			prevNv := NoNv
			for {
				nvIndex, ok := cb.GetNvIndex(assembly, sel, prevNv)
				if !ok {
					break
				}
				prevNv = nvIndex
				nv := NvRef{Assembly: assembly, NvIndex: nvIndex}
				if err := bindOne(r, nv, group, selector, addr, profile); err != nil {
					return err
				}
			}
		}
	}

	for _, assembly := range affectedAssemblies(r) {
		cb.UpdateUserInterface(EventImplemented, assembly)
	}
	addr.SweepUnreferenced()
	return nil
}

// affectedAssemblies returns the host and/or member assembly of r, in
// that order, omitting NoAssembly.
func affectedAssemblies(r Record) []uint8 {
	var out []uint8
	if r.IsHost() {
		out = append(out, r.HostAssembly)
	}
	if r.IsMember() {
		out = append(out, r.MemberAssembly)
	}
	return out
}

// bindOne programs or re-aliases a single NV for the new selector,
// freeing any alias previously bound to it when the primary is being
// replaced (spec.md §4.4 step 2).
func bindOne(r Record, nv NvRef, group byte, selector uint16, addr AddressProgrammer, profile Profile) error {
	unbound := selectorIsUnbound(addr.SelectorOf(nv))

	if !r.Extend || unbound {
		return addr.ProgramPrimary(nv, group, selector, profile)
	}

	for _, alias := range addr.AliasesBoundTo(nv) {
		addr.FreeAlias(alias)
	}
	if _, ok := addr.AllocAlias(nv, group, selector, profile); !ok {
		// Alias support not configured or exhausted: fall back to
		// programming the primary directly, same as the unbound case.
		return addr.ProgramPrimary(nv, group, selector, profile)
	}
	return nil
}

// pickGroup resolves the address-table group a record should use: the
// host assembly's primary group if this device hosts the record, else
// the member assembly's.
func pickGroup(r Record, cb AssemblyCallbacks) byte {
	if r.IsHost() {
		return cb.GetPrimaryGroup(r.HostAssembly)
	}
	return cb.GetPrimaryGroup(r.MemberAssembly)
}

// ReplaceSelectors reprograms every primary NV currently using any
// selector in [oldBase, oldBase+count] to the corresponding selector
// under newBase, for the given assembly; alias rows are not reprogrammed
// (spec.md §4.7's CSMI handler,
// grounded on original_source ReplSel.c). assembly == NoAssembly is a
// no-op, matching the original's guard on Host/Member == ISI_NO_ASSEMBLY.
func ReplaceSelectors(assembly uint8, oldBase, newBase uint16, count int, addr AddressProgrammer, cb AssemblyCallbacks) {
	if assembly == NoAssembly {
		return
	}
	for sel := 0; sel <= count; sel++ {
		oldSel := AddSelector(oldBase, sel)
		newSel := AddSelector(newBase, sel)
		prevNv := NoNv
		for {
			nvIndex, ok := cb.GetNvIndex(assembly, sel, prevNv)
			if !ok {
				break
			}
			prevNv = nvIndex
			nv := NvRef{Assembly: assembly, NvIndex: nvIndex}
			if cur := addr.SelectorOf(nv); cur == oldSel {
				group := cb.GetPrimaryGroup(assembly)
				_ = addr.ProgramPrimary(nv, group, newSel, Profile{})
			}
		}
	}
}
