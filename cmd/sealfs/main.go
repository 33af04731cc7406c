package main

import "github.com/absfs/sealfs/internal/cli"

func main() {
	cli.Execute()
}
