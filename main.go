package main

import "github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/cmd"

func main() {
	cmd.Execute()
}
