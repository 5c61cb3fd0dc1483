// The main package for the crawlsearch executable.
package main

import (
	"github.com/JakeFAU/crawlsearch/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
