package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/al4/orlo/internal/filter"
	apiclient "github.com/al4/orlo/pkg/api/client"
)

const defaultAPIBaseURL = "http://localhost:4000"

type cliConfig struct {
	APIBaseURL string `json:"api_base_url"`
}

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "release":
		err = commandRelease(args)
	case "package":
		err = commandPackage(args)
	case "note":
		err = commandNote(args)
	case "config":
		err = commandConfig(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// multiFlag collects a repeatable string flag.
type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }

func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}

func commandRelease(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: orlo release [create|stop|list|get]")
	}
	switch args[0] {
	case "create":
		return releaseCreate(args[1:])
	case "stop":
		return releaseStop(args[1:])
	case "list":
		return releaseList(args[1:])
	case "get":
		return releaseGet(args[1:])
	default:
		return fmt.Errorf("unknown release command: %s", args[0])
	}
}

func releaseCreate(args []string) error {
	fs := flag.NewFlagSet("release create", flag.ExitOnError)
	apiBase := fs.String("api", "", "API base URL")
	user := fs.String("user", os.Getenv("USER"), "User performing the release")
	team := fs.String("team", "", "Owning team")
	note := fs.String("note", "", "Initial release note")
	var platforms, refs multiFlag
	fs.Var(&platforms, "platform", "Target platform (repeatable)")
	fs.Var(&refs, "ref", "External reference such as a ticket (repeatable)")
	fs.Parse(args)

	if len(platforms) == 0 {
		return errors.New("--platform is required")
	}
	client, err := newClient(*apiBase)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	id, err := client.CreateRelease(ctx, apiclient.CreateReleaseInput{
		User:       *user,
		Team:       *team,
		Platforms:  platforms,
		References: refs,
		Note:       *note,
	})
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func releaseStop(args []string) error {
	fs := flag.NewFlagSet("release stop", flag.ExitOnError)
	apiBase := fs.String("api", "", "API base URL")
	releaseID := fs.String("release", "", "Release identifier")
	fs.Parse(args)

	if strings.TrimSpace(*releaseID) == "" {
		return errors.New("--release is required")
	}
	client, err := newClient(*apiBase)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := client.StopRelease(ctx, *releaseID); err != nil {
		return err
	}
	fmt.Println("release stopped")
	return nil
}

func releaseList(args []string) error {
	fs := flag.NewFlagSet("release list", flag.ExitOnError)
	apiBase := fs.String("api", "", "API base URL")
	latest := fs.Bool("latest", false, "Only return the most recent match")
	var filters multiFlag
	fs.Var(&filters, "filter", "Filter as name=value, e.g. user=alice (repeatable)")
	fs.Parse(args)

	values, err := parseFilters(filters)
	if err != nil {
		return err
	}
	if *latest {
		values.Set("latest", "true")
	}
	client, err := newClient(*apiBase)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	releases, err := client.ListReleases(ctx, values)
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, map[string]any{"releases": releases})
}

func releaseGet(args []string) error {
	fs := flag.NewFlagSet("release get", flag.ExitOnError)
	apiBase := fs.String("api", "", "API base URL")
	releaseID := fs.String("release", "", "Release identifier")
	fs.Parse(args)

	if strings.TrimSpace(*releaseID) == "" {
		return errors.New("--release is required")
	}
	client, err := newClient(*apiBase)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	rel, found, err := client.GetRelease(ctx, *releaseID, nil)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("release %s not found", *releaseID)
	}
	return printJSON(os.Stdout, rel)
}

func commandPackage(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: orlo package [add|start|stop|result]")
	}
	switch args[0] {
	case "add":
		return packageAdd(args[1:])
	case "start":
		return packageStart(args[1:])
	case "stop":
		return packageStop(args[1:])
	case "result":
		return packageResult(args[1:])
	default:
		return fmt.Errorf("unknown package command: %s", args[0])
	}
}

func packageAdd(args []string) error {
	fs := flag.NewFlagSet("package add", flag.ExitOnError)
	apiBase := fs.String("api", "", "API base URL")
	releaseID := fs.String("release", "", "Release identifier")
	name := fs.String("name", "", "Package name")
	version := fs.String("version", "", "Package version")
	diffURL := fs.String("diff-url", "", "Optional diff URL")
	rollback := fs.Bool("rollback", false, "Mark the package as a rollback")
	fs.Parse(args)

	if strings.TrimSpace(*releaseID) == "" {
		return errors.New("--release is required")
	}
	if strings.TrimSpace(*name) == "" || strings.TrimSpace(*version) == "" {
		return errors.New("--name and --version are required")
	}
	client, err := newClient(*apiBase)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	id, err := client.CreatePackage(ctx, *releaseID, apiclient.CreatePackageInput{
		Name:     *name,
		Version:  *version,
		DiffURL:  *diffURL,
		Rollback: *rollback,
	})
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func packageFlags(name string) (*flag.FlagSet, *string, *string, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	apiBase := fs.String("api", "", "API base URL")
	releaseID := fs.String("release", "", "Release identifier")
	packageID := fs.String("package", "", "Package identifier")
	return fs, apiBase, releaseID, packageID
}

func requirePackage(releaseID, packageID string) error {
	if strings.TrimSpace(releaseID) == "" || strings.TrimSpace(packageID) == "" {
		return errors.New("--release and --package are required")
	}
	return nil
}

func packageStart(args []string) error {
	fs, apiBase, releaseID, packageID := packageFlags("package start")
	fs.Parse(args)
	if err := requirePackage(*releaseID, *packageID); err != nil {
		return err
	}
	client, err := newClient(*apiBase)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := client.StartPackage(ctx, *releaseID, *packageID); err != nil {
		return err
	}
	fmt.Println("package started")
	return nil
}

func packageStop(args []string) error {
	fs, apiBase, releaseID, packageID := packageFlags("package stop")
	success := fs.Bool("success", true, "Whether the package deployed successfully")
	fs.Parse(args)
	if err := requirePackage(*releaseID, *packageID); err != nil {
		return err
	}
	client, err := newClient(*apiBase)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := client.StopPackage(ctx, *releaseID, *packageID, *success); err != nil {
		return err
	}
	fmt.Printf("package stopped success=%t\n", *success)
	return nil
}

func packageResult(args []string) error {
	fs, apiBase, releaseID, packageID := packageFlags("package result")
	content := fs.String("content", "", "Result content (read from stdin when empty)")
	fs.Parse(args)
	if err := requirePackage(*releaseID, *packageID); err != nil {
		return err
	}
	body := *content
	if body == "" {
		if term.IsTerminal(int(os.Stdin.Fd())) {
			return errors.New("--content is required when stdin is a terminal")
		}
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		body = string(data)
	}
	client, err := newClient(*apiBase)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := client.AddResult(ctx, *releaseID, *packageID, body); err != nil {
		return err
	}
	fmt.Println("result recorded")
	return nil
}

func commandNote(args []string) error {
	if len(args) == 0 || args[0] != "add" {
		return errors.New("usage: orlo note add --release <id> --text <text>")
	}
	fs := flag.NewFlagSet("note add", flag.ExitOnError)
	apiBase := fs.String("api", "", "API base URL")
	releaseID := fs.String("release", "", "Release identifier")
	text := fs.String("text", "", "Note text")
	fs.Parse(args[1:])

	if strings.TrimSpace(*releaseID) == "" || strings.TrimSpace(*text) == "" {
		return errors.New("--release and --text are required")
	}
	client, err := newClient(*apiBase)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := client.AddNote(ctx, *releaseID, *text); err != nil {
		return err
	}
	fmt.Println("note added")
	return nil
}

func commandConfig(args []string) error {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	apiBase := fs.String("api", "", "API base URL to persist")
	fs.Parse(args)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = strings.TrimSpace(*apiBase)
		if err := saveConfig(cfg); err != nil {
			return err
		}
	}
	fmt.Println(cfg.APIBaseURL)
	return nil
}

// parseFilters turns name=value pairs into query values, rejecting names the
// API does not recognise before any request is made.
func parseFilters(raw []string) (url.Values, error) {
	known := filter.Names()
	values := url.Values{}
	for _, item := range raw {
		name, value, ok := strings.Cut(item, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("filter %q must look like name=value", item)
		}
		if !slices.Contains(known, name) {
			return nil, fmt.Errorf("unknown filter %q, expected one of: %s", name, strings.Join(known, ", "))
		}
		values.Add(name, value)
	}
	return values, nil
}

// newClient resolves the API base URL from the flag, ORLO_API, then the
// saved config.
func newClient(flagValue string) (*apiclient.Client, error) {
	base := strings.TrimSpace(flagValue)
	if base == "" {
		base = strings.TrimSpace(os.Getenv("ORLO_API"))
	}
	if base == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		base = cfg.APIBaseURL
	}
	return apiclient.New(base)
}

func printJSON(w *os.File, v any) error {
	enc := json.NewEncoder(w)
	if term.IsTerminal(int(w.Fd())) {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: defaultAPIBaseURL}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBaseURL
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "orlo", "config.json"), nil
}

func printUsage() {
	fmt.Printf("orlo CLI %s\n\n", buildVersion)
	fmt.Print(`Usage:
	orlo release create --platform site1 [--platform site2] [--user name] [--team t] [--ref TICKET-1] [--note text]
	orlo release stop --release <release-id>
	orlo release list [--filter user=alice] [--filter package_status=FAILED] [--latest]
	orlo release get --release <release-id>
	orlo package add --release <release-id> --name <name> --version <version> [--diff-url url] [--rollback]
	orlo package start --release <release-id> --package <package-id>
	orlo package stop --release <release-id> --package <package-id> [--success=false]
	orlo package result --release <release-id> --package <package-id> [--content text | < file]
	orlo note add --release <release-id> --text <text>
	orlo config [--api http://localhost:4000]
	orlo version

Every command accepts --api; ORLO_API overrides the saved base URL.
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
