package main

import (
	_ "time/tzdata"

	"github.com/example/meal-scheduler/cmd"
)

func main() {
	cmd.Execute()
}
