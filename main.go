package main

import "github.com/hlindberg/mezquit/cmd"

func main() {
	cmd.Execute()
}
