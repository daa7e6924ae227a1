package main

import "github.com/m3rciful/relaybot/core/cmd"

func main() {
	cmd.Execute()
}
