// Command ehtool inspects ELF objects' call frame information (inspect) and
// profiles CFI step counts per FDE (profile-walk), the way cmd/dlv is the
// operator-facing front end for delve's debugging engine. It has no
// subcommand that walks a stack.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
