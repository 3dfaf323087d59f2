package main

import (
	"price-keeper/internal/cli"
)

func main() {
	cli.Execute()
}
