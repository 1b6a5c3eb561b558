package main

import (
	"github.com/akitasoftware/pipedge/cmd"
)

func main() {
	cmd.Execute()
}
