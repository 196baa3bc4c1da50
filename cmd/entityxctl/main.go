package main

import (
	"os"

	"github.com/canopy-network/entityx/app/cli"
)

func main() {
	os.Exit(int(cli.Run()))
}
