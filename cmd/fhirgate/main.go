package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/mattjoyce/fhirgate/internal/config"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)
	case "session":
		return runSessionNoun(args)
	case "bundle":
		return runBundleNoun(args)

	case "start":
		return runStart(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: fhirgate version [--json]")
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("fhirgate %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`fhirgate - FHIR bundle validation and data lake submission gateway

Usage:
  fhirgate <noun> <action> [flags]

Core Resources (Nouns):
  system    Gateway lifecycle and health
  config    Configuration and integrity
  session   Submission sessions
  bundle    Offline bundle tooling

System Commands:
  system start        Start the gateway in the foreground
  system status       Show whether a gateway is running and healthy
  system watch        Live session monitor TUI

Config Commands:
  config check        Validate syntax, policy, and integrity
  config lock         Record integrity hashes for the current config
  config get <path>   Read one value (dotted path or property name)

Session Commands:
  session show <id>   Show validation and submission details
  session list        List recent sessions

Bundle Commands:
  bundle validate <file>  Validate a bundle without submitting it

General:
  version             Show version information
  help                Show this help message

Use 'fhirgate <noun> help' for action-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	case "status":
		if hasHelpFlag(actionArgs) {
			printSystemStatusHelp()
			return 0
		}
		return runSystemStatus(actionArgs)
	case "watch":
		if hasHelpFlag(actionArgs) {
			printSystemWatchHelp()
			return 0
		}
		return runWatch(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	case "get":
		if hasHelpFlag(actionArgs) {
			printConfigGetHelp()
			return 0
		}
		return runConfigGet(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runSessionNoun(args []string) int {
	if len(args) < 1 {
		printSessionNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSessionNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "show":
		if hasHelpFlag(actionArgs) {
			printSessionShowHelp()
			return 0
		}
		return runSessionShow(actionArgs)
	case "list":
		if hasHelpFlag(actionArgs) {
			printSessionListHelp()
			return 0
		}
		return runSessionList(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown session action: %s\n", action)
		return 1
	}
}

func runBundleNoun(args []string) int {
	if len(args) < 1 {
		printBundleNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printBundleNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "validate":
		if hasHelpFlag(actionArgs) {
			printBundleValidateHelp()
			return 0
		}
		return runBundleValidate(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown bundle action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// loadConfigForTool resolves --config/--config-dir, falling back to discovery.
func loadConfigForTool(configPath, configDir string) (*config.Config, string, error) {
	if configPath != "" && configDir != "" {
		return nil, "", fmt.Errorf("use only one of --config or --config-dir")
	}
	if configDir != "" {
		configPath = configDir
	}
	if configPath == "" {
		discovered, err := config.DiscoverConfigDir()
		if err != nil {
			return nil, "", err
		}
		configPath = discovered
	}
	file, err := config.ResolveConfigFile(configPath)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(file)
	if err != nil {
		return nil, "", err
	}
	return cfg, file, nil
}

// --- HELP ---

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: fhirgate system <action>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Actions:")
	fmt.Fprintln(w, "  start    Start the gateway in the foreground")
	fmt.Fprintln(w, "  status   Show lock and health state")
	fmt.Fprintln(w, "  watch    Live session monitor TUI")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: fhirgate config <action>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Actions:")
	fmt.Fprintln(w, "  check    Validate syntax, policy, and integrity")
	fmt.Fprintln(w, "  lock     Record integrity hashes for the current config")
	fmt.Fprintln(w, "  get      Read one value from the resolved configuration")
}

func printSessionNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: fhirgate session <action>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Actions:")
	fmt.Fprintln(w, "  show <id>   Show validation and submission details")
	fmt.Fprintln(w, "  list        List recent sessions")
}

func printBundleNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: fhirgate bundle <action>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Actions:")
	fmt.Fprintln(w, "  validate <file>   Validate a bundle with every configured engine")
}

func printSystemStartHelp() {
	fmt.Println("Usage: fhirgate system start [--config PATH]")
	fmt.Println("Start the gateway: HTTP API, validation engines, and the submission dispatcher.")
}

func printSystemStatusHelp() {
	fmt.Println("Usage: fhirgate system status [--config PATH] [--json]")
	fmt.Println("Report whether a gateway holds the store lock and whether its API answers /healthz.")
}

func printSystemWatchHelp() {
	fmt.Println("Usage: fhirgate system watch [--api-url URL]")
	fmt.Println()
	fmt.Println("Live monitor of submission sessions and lifecycle events.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --api-url URL    Gateway API URL (default: http://localhost:8080)")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
	fmt.Println("  ↑/↓, k/j         Scroll sessions")
	fmt.Println("  r                Refresh sessions now")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: fhirgate config check [--config PATH | --config-dir PATH] [--format human|json]")
	fmt.Println("Validate configuration syntax, policy, and integrity.")
}

func printConfigLockHelp() {
	fmt.Println("Usage: fhirgate config lock [--config PATH | --config-dir PATH] [-v|--verbose] [--dry-run]")
	fmt.Println("Authorize the current configuration by regenerating its integrity hashes.")
}

func printConfigGetHelp() {
	fmt.Println("Usage: fhirgate config get <path> [--config PATH | --config-dir PATH] [--json]")
	fmt.Println("Read a single value. <path> is a dotted path (submission.timeout) or a property name (shinnyDataLakeApiUri).")
}

func printSessionShowHelp() {
	fmt.Println("Usage: fhirgate session show <session_id> [--config PATH] [--json]")
	fmt.Println("Show a session's validation issues, submission status, and diagnostics.")
}

func printSessionListHelp() {
	fmt.Println("Usage: fhirgate session list [--config PATH] [--status STATUS] [--provider ID] [--limit N] [--json]")
	fmt.Println("List recent sessions, newest first.")
}

func printBundleValidateHelp() {
	fmt.Println("Usage: fhirgate bundle validate <file|-> [--config PATH] [--engine NAME] [--json]")
	fmt.Println("Validate a bundle offline. No session is recorded and nothing is submitted.")
}
