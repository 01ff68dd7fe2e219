package main

import "github.com/mkraev/ffdist/cmd/ffdist-verify/cmd"

func main() {
	cmd.Execute()
}
