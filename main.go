package main

import "github.com/kvexa/panelbot/cmd"

func main() {
	cmd.Execute()
}
