// jobctl is a command line client for the jobs service.
package main

import (
	"os"

	"jobengine/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
