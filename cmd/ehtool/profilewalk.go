package main

import (
	"debug/elf"
	"fmt"
	"os"

	"github.com/google/pprof/profile"
	"github.com/spf13/cobra"

	"github.com/go-eh/unwind/internal/dwarfcfi"
	"github.com/go-eh/unwind/registry"
)

func newProfileWalkCmd() *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "profile-walk <elf-path>",
		Short: "emit a pprof profile of CFI virtual machine step counts, one sample per FDE",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProfileWalk(args[0], outPath)
		},
	}
	cmd.Flags().StringVarP(&outPath, "output", "o", "ehtool.pprof", "output pprof file")
	return cmd
}

func runProfileWalk(path, outPath string) error {
	r := registry.New()
	mo, err := r.LoadELF(path, 0)
	if err != nil {
		return fmt.Errorf("ehtool profile-walk: %w", err)
	}
	defer mo.Close()

	ef, err := elf.Open(path)
	if err != nil {
		return fmt.Errorf("ehtool profile-walk: %w", err)
	}
	defer ef.Close()

	fn := &profile.Function{ID: 1, Name: "fde", SystemName: "fde"}
	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "cfi_steps", Unit: "count"}},
		Function:   []*profile.Function{fn},
	}

	var locID, sampleErr uint64
	for _, obj := range r.Objects() {
		for _, fde := range obj.Table.FDEs {
			row, err := dwarfcfi.ExecuteUntilPC(fde, fde.End(), ef.ByteOrder, pointerSizeFor(ef.Class))
			if err != nil {
				sampleErr++
				continue
			}
			locID++
			loc := &profile.Location{
				ID:      locID,
				Address: fde.Begin,
				Line:    []profile.Line{{Function: fn, Line: 0}},
			}
			p.Location = append(p.Location, loc)
			p.Sample = append(p.Sample, &profile.Sample{
				Location: []*profile.Location{loc},
				Value:    []int64{int64(row.StepCount)},
				Label:    map[string][]string{"fde_end": {fmt.Sprintf("%#x", fde.End())}},
			})
		}
	}
	if sampleErr > 0 {
		fmt.Fprintf(os.Stderr, "ehtool profile-walk: skipped %d FDEs that failed to execute\n", sampleErr)
	}

	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("ehtool profile-walk: %w", err)
	}
	defer f.Close()

	if err := p.Write(f); err != nil {
		return fmt.Errorf("ehtool profile-walk: write profile: %w", err)
	}
	fmt.Printf("wrote %d samples to %s\n", len(p.Sample), outPath)
	return nil
}
