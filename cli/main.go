// Command kpi is the command-line client of the KPI service.
package main

import (
	"os"

	"github.com/aiops/kpiquery/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
