// Package cmd provides the quiver CLI commands.
//
// Commands:
//   - ask: answer a single question against the active index
//   - chat: interactive question loop
//   - ingest: chunk, embed, and store local files
//   - indexes: manage vector indexes
package cmd

import (
	"fmt"
	"os"
)

const version = "0.1.0"

// Execute is the main entry point for the quiver CLI.
func Execute() error {
	if len(os.Args) < 2 {
		runHelp()
		return nil
	}

	switch os.Args[1] {
	case "ask":
		return runAsk(os.Args[2:])
	case "chat":
		return runChat()
	case "ingest":
		return runIngest(os.Args[2:])
	case "indexes":
		return runIndexes(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Println("quiver " + version)
		return nil
	case "help", "--help", "-h":
		runHelp()
		return nil
	default:
		return fmt.Errorf("unknown command: %s", os.Args[1])
	}
}

// runHelp displays the help message.
func runHelp() {
	fmt.Println("Quiver - ask questions against your own documents")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  quiver ask <question>        Answer one question with sources")
	fmt.Println("  quiver chat                  Interactive question loop")
	fmt.Println("  quiver ingest <path>         Index a file or directory")
	fmt.Println("  quiver indexes [sub]         list | create <name> <dim> | delete <name> | stats")
	fmt.Println("  quiver --version             Show version information")
	fmt.Println("  quiver --help                Show this help")
	fmt.Println()
	fmt.Println("Chat commands:")
	fmt.Println("  /sources                     Show the sources of the last answer")
	fmt.Println("  /regen <id...>               Re-answer using only the listed sources")
	fmt.Println("  /new                         Start a new topic")
	fmt.Println("  /exit, /quit                 Leave the chat")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  QUIVER_INDEX_API_KEY         Required: vector index API key")
	fmt.Println("  QUIVER_EMBEDDING_API_KEY     Required: Gemini API key (or GEMINI_API_KEY)")
	fmt.Println("  QUIVER_PROJECT_ID            Optional: vector index project")
	fmt.Println("  QUIVER_INDEX                 Optional: active index name")
	fmt.Println("  QUIVER_LOG_LEVEL             Optional: debug|info|warn|error")
}
