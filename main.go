package main

import "github.com/identitycore/authgate/cmd"

func main() {
	cmd.Execute()
}
