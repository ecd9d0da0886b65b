package main

import "flowstream/cmd/cli"

func main() {
	cli.Execute()
}
