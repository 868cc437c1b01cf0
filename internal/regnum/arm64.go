package regnum

// ARM64 DWARF register numbers, matching the numbering referenced by the
// teacher's arm64_arch.go (regnum.ARM64_PC, ARM64_SP, ARM64_BP, ARM64_LR,
// ARM64_X0) and the AArch64 psABI (DWARF for the ARM 64-bit architecture).
const (
	ARM64_X0 = 0 // through ARM64_X0+30 (x0..x30, x29=BP, x30=LR)
	ARM64_BP = ARM64_X0 + 29
	ARM64_LR = ARM64_X0 + 30
	ARM64_SP = 31
	ARM64_PC = 32

	ARM64_V0 = 64 // through ARM64_V0+31

	ARM64_ReturnAddress = ARM64_LR
)

// ARM64MaxRegNum is the highest DWARF register number this port
// indexes (v0..v31).
func ARM64MaxRegNum() uint64 {
	return ARM64_V0 + 31
}

var arm64NameToDwarf = func() map[string]int {
	m := make(map[string]int, 64)
	for i := 0; i <= 30; i++ {
		m[xreg(i)] = ARM64_X0 + i
	}
	m["sp"] = ARM64_SP
	m["pc"] = ARM64_PC
	m["lr"] = ARM64_LR
	for i := 0; i <= 31; i++ {
		m[vreg(i)] = ARM64_V0 + i
	}
	return m
}()

func xreg(i int) string {
	names := [...]string{"x0", "x1", "x2", "x3", "x4", "x5", "x6", "x7", "x8", "x9",
		"x10", "x11", "x12", "x13", "x14", "x15", "x16", "x17", "x18", "x19",
		"x20", "x21", "x22", "x23", "x24", "x25", "x26", "x27", "x28", "fp", "lr"}
	return names[i]
}

func vreg(i int) string {
	return "v" + itoa(i)
}

func itoa(i int) string {
	if i < 10 {
		return string(rune('0' + i))
	}
	return string(rune('0'+i/10)) + string(rune('0'+i%10))
}

// ARM64NameToDwarf maps an assembly register mnemonic to its DWARF number.
func ARM64NameToDwarf(name string) (int, bool) {
	n, ok := arm64NameToDwarf[name]
	return n, ok
}

// ARM64ToName returns the assembly mnemonic for a DWARF register number.
func ARM64ToName(n uint64) string {
	for name, num := range arm64NameToDwarf {
		if uint64(num) == n {
			return name
		}
	}
	return ""
}
