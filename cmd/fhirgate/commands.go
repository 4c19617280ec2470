package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/fhirgate/internal/config"
	"github.com/mattjoyce/fhirgate/internal/doctor"
	"github.com/mattjoyce/fhirgate/internal/inspect"
	"github.com/mattjoyce/fhirgate/internal/session"
	"github.com/mattjoyce/fhirgate/internal/storage"
	"github.com/mattjoyce/fhirgate/internal/validation"
)

// --- CONFIG ---

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	configDir := fs.String("config-dir", "", "Path to configuration directory")
	format := fs.String("format", "human", "Output format: human or json")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	if *format != "human" && *format != "json" {
		fmt.Fprintf(os.Stderr, "Unknown format %q (want human or json)\n", *format)
		return 1
	}

	var result *doctor.Result
	cfg, file, err := loadConfigForTool(*configPath, *configDir)
	if err != nil {
		result = &doctor.Result{Errors: []doctor.Issue{{Category: "config", Message: err.Error()}}}
	} else {
		result = doctor.New(cfg, filepath.Dir(file)).Validate()
	}

	if *format == "json" {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render result: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	return 0
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	configDir := fs.String("config-dir", "", "Path to configuration directory")
	dryRun := fs.Bool("dry-run", false, "Show hashes without writing them")
	var verbose bool
	fs.BoolVar(&verbose, "verbose", false, "Print each hashed file")
	fs.BoolVar(&verbose, "v", false, "Print each hashed file (shorthand)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	if *configPath != "" && *configDir != "" {
		fmt.Fprintln(os.Stderr, "Error: use only one of --config or --config-dir")
		return 1
	}

	target := *configPath
	if *configDir != "" {
		target = *configDir
	}
	if target == "" {
		discovered, err := config.DiscoverConfigDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		target = discovered
	}
	// Locking must not require the current hashes to match, so the file is
	// resolved rather than loaded.
	file, err := config.ResolveConfigFile(target)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	report, err := config.GenerateChecksums(filepath.Dir(file), []string{filepath.Base(file)}, *dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if verbose || *dryRun {
		for name, hash := range report.Hashes {
			fmt.Printf("  %s  %s\n", hash, name)
		}
	}
	if report.Written {
		fmt.Printf("Locked %d file(s) in %s\n", len(report.Hashes), report.ChecksumPath)
	} else {
		fmt.Printf("Dry run: %d file(s) would be locked in %s\n", len(report.Hashes), report.ChecksumPath)
	}
	return 0
}

func runConfigGet(args []string) int {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	configDir := fs.String("config-dir", "", "Path to configuration directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	flagArgs, positionals := splitFlagsAndPositionals(args, map[string]bool{
		"--config":     true,
		"--config-dir": true,
	})
	if err := fs.Parse(flagArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	if len(positionals) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: fhirgate config get <path> [--json]")
		return 1
	}
	path := positionals[0]

	cfg, _, err := loadConfigForTool(*configPath, *configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if !*jsonOut {
		if val, err := cfg.Property(path); err == nil {
			fmt.Println(val)
			return 0
		}
	}

	val, err := cfg.GetPath(path)
	if err != nil {
		// Property names such as shinnyDataLakeApiUri are not YAML paths.
		prop, perr := cfg.Property(path)
		if perr != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		val = prop
	}

	if *jsonOut {
		data, err := json.MarshalIndent(val, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}
	data, err := yaml.Marshal(val)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Print(string(data))
	return 0
}

// --- SESSION ---

func openStoreForTool(configPath string) (*config.Config, *session.Store, func(), error) {
	cfg, _, err := loadConfigForTool(configPath, "")
	if err != nil {
		return nil, nil, nil, err
	}
	db, err := storage.OpenSQLite(context.Background(), cfg.Store.Path)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, session.NewStore(db), func() { _ = db.Close() }, nil
}

func runSessionShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	flagArgs, positionals := splitFlagsAndPositionals(args, map[string]bool{"--config": true})
	if err := fs.Parse(flagArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	if len(positionals) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: fhirgate session show <session_id> [--json]")
		return 1
	}
	id := positionals[0]

	cfg, store, closeDB, err := openStoreForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeDB()

	svc, err := validation.NewServiceFromConfig(cfg, store)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	var out string
	if *jsonOut {
		out, err = inspect.BuildJSONReport(context.Background(), svc, id)
	} else {
		out, err = inspect.BuildReport(context.Background(), svc, id)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, session.ErrSessionNotFound) {
			return 2
		}
		return 1
	}
	fmt.Print(strings.TrimRight(out, "\n") + "\n")
	return 0
}

func runSessionList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	status := fs.String("status", "", "Only sessions with this status")
	provider := fs.String("provider", "", "Only sessions from this provider")
	limit := fs.Int("limit", 20, "Maximum sessions to show")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	filter := session.ListFilter{
		Status:   session.Status(strings.ToUpper(*status)),
		Provider: *provider,
		Limit:    *limit,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		fmt.Fprintf(os.Stderr, "Unknown status %q\n", *status)
		return 1
	}

	_, store, closeDB, err := openStoreForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeDB()

	list, err := store.List(context.Background(), filter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(list, "", "  ")
		fmt.Println(string(data))
		return 0
	}
	writeSessionTable(os.Stdout, list, time.Now())
	return 0
}

func writeSessionTable(out io.Writer, list []*session.Session, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "SESSION\tPROVIDER\tSTATUS\tHTTP\tVALID\tCREATED")
	for _, s := range list {
		httpStatus := "-"
		if s.HTTPStatus != nil {
			httpStatus = strconv.Itoa(*s.HTTPStatus)
		}
		valid := "-"
		if s.Valid != nil {
			valid = strconv.FormatBool(*s.Valid)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", s.ID, s.Provider, s.Status, httpStatus, valid,
			humanize.RelTime(s.CreatedAt, now, "ago", "from now"))
	}
	_ = w.Flush()
}

// --- BUNDLE ---

func runBundleValidate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	engine := fs.String("engine", "", "Run only this engine")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	flagArgs, positionals := splitFlagsAndPositionals(args, map[string]bool{
		"--config": true,
		"--engine": true,
	})
	if err := fs.Parse(flagArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	if len(positionals) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: fhirgate bundle validate <file|-> [--engine NAME] [--json]")
		return 1
	}
	name := positionals[0]

	payload, err := readPayload(name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	cfg := config.Defaults()
	if *configPath != "" {
		loaded, _, err := loadConfigForTool(*configPath, "")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		cfg = loaded
	}

	svc, err := validation.NewServiceFromConfig(cfg, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	result, err := svc.AdminValidate(context.Background(), validation.Request{Payload: payload, Engine: *engine})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(data))
	} else {
		verdict := "valid"
		if !result.Valid {
			verdict = "invalid"
		}
		fmt.Printf("%s: %s (%s; %d error(s), %d warning(s))\n", name, verdict, result.Engine, result.ErrorCount(), result.WarningCount())
		for _, is := range result.Issues {
			fmt.Printf("  - %s\n", is.String())
		}
	}

	if !result.Valid {
		return 1
	}
	return 0
}

func readPayload(name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(name)
}

// splitFlagsAndPositionals lets positionals appear before flags, which
// flag.FlagSet alone does not allow.
func splitFlagsAndPositionals(args []string, takesValue map[string]bool) ([]string, []string) {
	flags := make([]string, 0, len(args))
	positionals := make([]string, 0, len(args))

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") || arg == "-" {
			positionals = append(positionals, arg)
			continue
		}

		flags = append(flags, arg)
		if strings.Contains(arg, "=") {
			continue
		}
		if takesValue[arg] && i+1 < len(args) {
			i++
			flags = append(flags, args[i])
		}
	}

	return flags, positionals
}
