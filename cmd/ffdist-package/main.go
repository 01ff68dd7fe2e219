package main

import "github.com/mkraev/ffdist/cmd/ffdist-package/cmd"

func main() {
	cmd.Execute()
}
