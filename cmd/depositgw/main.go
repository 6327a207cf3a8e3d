package main

import "deposit-gateway/internal/cli"

func main() {
	cli.Execute()
}
