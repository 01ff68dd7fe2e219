package main

import "github.com/mkraev/ffdist/cmd/ffdist-install/cmd"

func main() {
	cmd.Execute()
}
