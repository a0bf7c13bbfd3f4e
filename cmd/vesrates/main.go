package main

import "ves-rates/internal/cli"

func main() {
	cli.Execute()
}
