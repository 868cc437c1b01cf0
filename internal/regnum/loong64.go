package regnum

// LoongArch64 DWARF register numbers, matching gimli's LoongArch register
// table and the layout assumed by original_source's loongarch64.rs Context:
// general registers 0..31 map directly to DWARF 0..31, floating registers
// 0..31 map to DWARF 32..63 (present only when the target has the D/F
// extension).
const (
	Loong64_R0  = 0 // through Loong64_R0+31
	Loong64_RA  = Loong64_R0 + 1
	Loong64_SP  = Loong64_R0 + 3
	Loong64_FP0 = 32 // through Loong64_FP0+31

	Loong64_ReturnAddress = Loong64_RA
)

// Loong64PC is not a DWARF-numbered register in this psABI; the CIE's
// return_address_register field is always Loong64_RA and the program
// counter is tracked out of band by the Frame Walker, matching how the
// Context in loongarch64.rs stores pc as a plain field rather than gp[n].
const Loong64PC = ^uint64(0)

// Loong64MaxRegNum is the highest DWARF register number this port
// indexes when the D extension is present (fp0..fp31).
func Loong64MaxRegNum() uint64 {
	return Loong64_FP0 + 31
}

var loong64NameToDwarf = func() map[string]int {
	m := make(map[string]int, 64)
	for i := 0; i <= 31; i++ {
		m[rreg(i)] = Loong64_R0 + i
	}
	for i := 0; i <= 31; i++ {
		m[freg(i)] = Loong64_FP0 + i
	}
	return m
}()

func rreg(i int) string {
	return "r" + digits(i)
}

func freg(i int) string {
	return "f" + digits(i)
}

func digits(i int) string {
	if i < 10 {
		return string(rune('0' + i))
	}
	return string(rune('0'+i/10)) + string(rune('0'+i%10))
}

// Loong64NameToDwarf maps an assembly register mnemonic ("r1", "f3", ...)
// to its DWARF register number.
func Loong64NameToDwarf(name string) (int, bool) {
	n, ok := loong64NameToDwarf[name]
	return n, ok
}

// Loong64ToName returns the assembly mnemonic for a DWARF register number.
func Loong64ToName(n uint64) string {
	for name, num := range loong64NameToDwarf {
		if uint64(num) == n {
			return name
		}
	}
	return ""
}
