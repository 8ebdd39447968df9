package main

import "github.com/matsci-hpc/conductor/internal/cli"

func main() {
	cli.Execute()
}
