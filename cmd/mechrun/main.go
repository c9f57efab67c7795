// Command mechrun runs load test projects whose transactions are external
// programs (exec: scripts). Projects with Go transactions build their own
// binary around mech.Main.
package main

import (
	"os"

	"github.com/wesleyorama2/mechanize/internal/cli"
)

// Main is the entry point for the application
// It's exported to make it testable
func Main() int {
	return cli.Main()
}

func main() {
	os.Exit(Main())
}
