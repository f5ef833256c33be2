package main

import (
	"os"

	"github.com/GESkunkworks/selfie/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
