// The main package for the linkguard executable.
package main

import (
	"github.com/JakeFAU/linkguard/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
