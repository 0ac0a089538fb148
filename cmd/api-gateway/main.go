package main

import (
	_ "time/tzdata"

	"github.com/akashpixels/clientbridge-tasksphere-sub000/services/api-gateway/cli"
)

func main() { cli.Execute() }
