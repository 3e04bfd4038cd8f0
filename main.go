package main

import "github.com/renolink/escrow/cmd"

func main() {
	cmd.Execute()
}
