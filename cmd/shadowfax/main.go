// Shadowfax is an LLM inference gateway. It fronts OpenAI, Anthropic,
// Gemini, Bedrock and Ollama behind each provider's native API plus a
// unified OpenAI-compatible surface, with health-aware load balancing,
// rate limiting and response caching in the request path.
package main

import (
	"flag"
	"fmt"
	"os"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "configs/shadowfax.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("shadowfax", version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
