// Tollgate is a multi-tenant LLM gateway: API-key auth, rate limiting,
// daily quotas, tier-based routing with provider fallback, response caching,
// and durable usage accounting.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to optional YAML config file")
	envFile := flag.String("env-file", ".env", "path to optional .env file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("tollgate", version)
		os.Exit(0)
	}

	// Missing .env is fine; the environment itself always wins.
	_ = godotenv.Load(*envFile)

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
