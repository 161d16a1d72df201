package main

import "github.com/agusx1211/missionpilot/internal/cli"

func main() {
	cli.Execute()
}
