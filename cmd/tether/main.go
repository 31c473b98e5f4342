package main

import "github.com/gosuda/tether/internal/cli"

func main() {
	cli.Execute()
}
