// Package main: точка входа sync-service (HTTP + WebSocket).
package main

import (
	"log"

	"sync-service/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
