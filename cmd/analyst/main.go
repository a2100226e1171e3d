package main

import "github.com/ChamsBouzaiene/analyst/internal/cli"

func main() {
	cli.Execute()
}
