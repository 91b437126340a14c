// Package main provides the tarwatch CLI: it runs the watch loop in the
// foreground, manages the tarwatchd daemon and shows archive history.
package main

import (
	"os"
)

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
