package main

import (
	"os"

	"github.com/coretex-labs/iperf3go/cmd/iperf3go/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
