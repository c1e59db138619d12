package main

import "github.com/uusseis/sis-poller/cmd/sis-poller/cmd"

func main() {
	cmd.Execute()
}
