package main

import "github.com/rustyeddy/riskengine/internal/cli"

func main() {
	cli.Execute()
}
