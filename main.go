package main

import "github.com/ManosCoffee/makerates/internal/cli"

func main() {
	cli.Execute()
}
