// The main package for the signals executable.
package main

import (
	"github.com/JakeFAU/linkedin-signals/cmd"
)

// main defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
