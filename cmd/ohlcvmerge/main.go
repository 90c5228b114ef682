package main

import "ohlcv-merge/internal/cli"

func main() {
	cli.Execute()
}
