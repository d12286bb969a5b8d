package main

import (
	"os"

	"github.com/aiyumi19960310/sitewhere/cmd/sitewhere/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
