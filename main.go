package main

import "github.com/CosmoTheDev/ctrlscan-relay/cmd"

func main() {
	cmd.Execute()
}
