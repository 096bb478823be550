package main

import (
	"github.com/drawlytics/conveyor/internal/cli"
)

func main() {
	cli.Execute()
}
