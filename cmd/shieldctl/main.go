package main

import (
	_ "modernc.org/sqlite"

	"github.com/oarkflow/shield/cmd/shieldctl/cmd"
)

func main() {
	cmd.Execute()
}
