// The main package for the harvester executable.
package main

import (
	"github.com/leadharvest/harvester/cmd"
)

func main() {
	cmd.Execute()
}
