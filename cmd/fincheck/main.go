// Package main is the entry point for the fincheck service.
package main

import (
	_ "go.uber.org/automaxprocs/maxprocs"

	"github.com/kart-io/fincheck/cmd/fincheck/app"
)

func main() {
	app.NewApp().Run()
}
