package main

import "github.com/blackmagic-debug/bmpflash/cmd"

func main() {
	cmd.Execute()
}
