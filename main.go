package main

import "github.com/autodev-ai/autodev/cmd"

func main() {
	cmd.Execute()
}
