package main

import (
	"oraclewatch/internal/cli"
)

func main() {
	cli.Execute()
}
