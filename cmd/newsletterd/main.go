package main

import (
	"os"

	"github.com/nuetzliches/newsletterd/internal/app"
)

func main() {
	os.Exit(app.Main(os.Args))
}
