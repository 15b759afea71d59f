package main

import (
	"os"

	"horse.fit/newsloom/internal/app"
)

func main() {
	os.Exit(app.Run(os.Args[1:]))
}
