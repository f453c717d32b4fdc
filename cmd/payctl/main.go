package main

import "agent-wallet-core/cmd/payctl/cmd"

func main() {
	cmd.Execute()
}
