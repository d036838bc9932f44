package main

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/zeu5/tankrl/commands"
)

// main entry point to the trainer and its helper commands
func main() {
	// engine paths come from a .env file next to the binary when present
	godotenv.Load()

	rootCommand := commands.GetRootCommand()
	if err := rootCommand.Execute(); err != nil {
		fmt.Println(err)
	}
}
