// Command secrets runs the Secrets HTTP server.
package main

import (
	"log"

	"secrets/cmd/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
