package main

import (
	"os"

	"tasksync/cmd/tasksync/cmd"
)

func main() {
	os.Exit(cmd.Execute(os.Args[1:], os.Stdout, os.Stderr, nil))
}
