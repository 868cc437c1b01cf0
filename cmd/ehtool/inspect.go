package main

import (
	"debug/elf"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"golang.org/x/arch/x86/x86asm"

	"github.com/go-eh/unwind/internal/dwarfcfi"
	"github.com/go-eh/unwind/registry"
)

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <elf-path>",
		Short: "parse an ELF object's .eh_frame/.debug_frame and print its FDEs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd, args[0])
		},
	}
	return cmd
}

func runInspect(cmd *cobra.Command, path string) error {
	r := registry.New()
	mo, err := r.LoadELF(path, 0)
	if err != nil {
		return fmt.Errorf("ehtool inspect: %w", err)
	}
	defer mo.Close()

	ef, err := elf.Open(path)
	if err != nil {
		return fmt.Errorf("ehtool inspect: %w", err)
	}
	defer ef.Close()

	var textAddr uint64
	var textData []byte
	if text := ef.Section(".text"); text != nil {
		textAddr = text.Addr
		textData, _ = text.Data()
	}
	disasm := ef.Machine == elf.EM_X86_64

	out := cmd.OutOrStdout()
	for _, obj := range r.Objects() {
		fmt.Fprintf(out, "object %s [%#x, %#x)\n", obj.Name, obj.Begin, obj.End)
		for _, fde := range obj.Table.FDEs {
			row, err := dwarfcfi.ExecuteUntilPC(fde, fde.Begin, ef.ByteOrder, pointerSizeFor(ef.Class))
			if err != nil {
				fmt.Fprintf(out, "  fde [%#x, %#x): parse error: %v\n", fde.Begin, fde.End(), err)
				continue
			}
			fmt.Fprintf(out, "  fde [%#x, %#x) retAddrReg=%d steps=%d signalFrame=%v\n",
				fde.Begin, fde.End(), row.RetAddrReg, row.StepCount, fde.CIE.IsSignalFrame)

			if !disasm || textData == nil || fde.Begin < textAddr {
				continue
			}
			off := fde.Begin - textAddr
			if off >= uint64(len(textData)) {
				continue
			}
			printFirstInstructions(out, textData[off:], fde.Begin, 3)
		}
	}
	return nil
}

func pointerSizeFor(class elf.Class) int {
	if class == elf.ELFCLASS32 {
		return 4
	}
	return 8
}

func printFirstInstructions(out io.Writer, code []byte, pc uint64, n int) {
	for i := 0; i < n && len(code) > 0; i++ {
		inst, err := x86asm.Decode(code, 64)
		if err != nil {
			fmt.Fprintf(out, "    %#x: <decode error: %v>\n", pc, err)
			return
		}
		fmt.Fprintf(out, "    %#x: %s\n", pc, x86asm.GNUSyntax(inst, pc, nil))
		code = code[inst.Len:]
		pc += uint64(inst.Len)
	}
}
