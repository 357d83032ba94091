// Command demoserver starts a local stand-in for a stylesnap search page so
// the capture harness can be tried without touching a real site.
// Usage: go run ./cmd/demoserver [port] [fetch|xhr|both]
// Default port: 9999
package main

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/raysh454/snaptap/internal/demoserver"
)

func main() {
	cfg := demoserver.DefaultConfig()

	// Optional: custom port from command line
	if len(os.Args) > 1 {
		port, err := strconv.Atoi(os.Args[1])
		if err != nil || port < 1 || port > 65535 {
			log.Fatalf("Invalid port: %s", os.Args[1])
		}
		cfg.Port = port
	}
	if len(os.Args) > 2 {
		switch os.Args[2] {
		case "fetch", "xhr", "both":
			cfg.Transport = os.Args[2]
		default:
			log.Fatalf("Invalid transport: %s", os.Args[2])
		}
	}

	fmt.Println("===========================================")
	fmt.Println("   snaptap demo server")
	fmt.Println("===========================================")
	fmt.Println()
	fmt.Println("The search page uploads to /stylesnap/upload?stylesnapToken=...")
	fmt.Printf("using %s, plus one unrelated fetch that must not be captured.\n", cfg.Transport)
	fmt.Println()

	server := demoserver.NewDemoServer(cfg)
	if err := server.Start(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
