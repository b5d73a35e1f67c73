// The main package for the showtimes executable.
package main

import (
	"github.com/JakeFAU/cinema-showtime-scraper/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
