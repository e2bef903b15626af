package main

import "github.com/nextlevelbuilder/relaydesk/cmd"

func main() {
	cmd.Execute()
}
