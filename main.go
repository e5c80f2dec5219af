// The main package for the coverwatch executable.
package main

import (
	"github.com/JakeFAU/coverwatch/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
