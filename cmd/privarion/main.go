package main

import "github.com/privarion/privarion/cmd/privarion/cmd"

func main() {
	cmd.Execute()
}
