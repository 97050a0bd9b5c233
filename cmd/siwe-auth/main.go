package main

import "github.com/layer-3/siwe-auth/cmd/siwe-auth/cmd"

func main() {
	cmd.Execute()
}
