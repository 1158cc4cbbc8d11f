// Command openfleet runs the coding-agent session pool and task assessor.
package main

import (
	"os"

	"github.com/virtengine/openfleet-sub013/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
