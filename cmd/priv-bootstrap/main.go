package main

import "github.com/macfleet/priv-bootstrap/cmd/priv-bootstrap/cmd"

func main() {
	cmd.Execute()
}
