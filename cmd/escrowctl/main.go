// Command escrowctl drives the P2P escrow server from the command line.
package main

import (
	"fmt"
	"os"

	"github.com/mbd888/p2pescrow/internal/cli"
)

func main() {
	if err := cli.Execute(os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
