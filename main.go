// The main package for the sketch-tutor executable.
package main

import (
	"github.com/JakeFAU/sketch-tutor/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
