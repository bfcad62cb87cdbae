// The main package for the ecfr executable.
package main

import (
	"github.com/JakeFAU/ecfr-mirror/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
