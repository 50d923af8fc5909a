package main

import (
	"github.com/braaaiiinnns/Discord-AI-Bot/cmd"
)

func main() {
	cmd.Execute()
}
