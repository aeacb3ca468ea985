// Command coordinatord runs the cluster resource manager coordinator.
package main

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/clustermgr/internal/cli"
)

func main() {
	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
