package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tendant/simple-docstore/pkg/docstore"
	"github.com/tendant/simple-docstore/pkg/docstore/config"
	"github.com/tendant/simple-docstore/pkg/docstore/snapshot"
)

const usage = `Docstore Admin CLI

Maintenance commands for the document and snapshot stores. Backends are
selected with the same environment variables as the server.

USAGE:
  admin <command> [arguments] [options]

COMMANDS:
  migrate                          Create tables and indexes for the configured backends
  translations <name>              List the languages of a document
  history <name> <lang>            List the content revisions of a translation
  verify <name> <lang>             Check the revision chain of a translation
  repair <name> <lang>             Point the current revision at the highest version
  grant <name> <username>          Give a user access to a document
  revoke <name> <username>         Remove every grant of a user on a document
  check <name> <username>          Report whether a user holds a grant
  user <username>                  Show the snapshot groups of a user
  user-set <username> --group=g:rw Create a user or replace its groups
  versions <uri>                   List the snapshot versions of a uri

ENVIRONMENT VARIABLES:
  GRAPH_BACKEND     memory, postgres or surreal
  SNAPSHOT_BACKEND  memory, postgres or mongo
  DATABASE_URL      PostgreSQL connection string
  SURREAL_URL       SurrealDB endpoint
  MONGO_URI         MongoDB connection string

  Configuration can be loaded from a .env file in the current directory.

OPTIONS:
  --lang=<code>     Restrict versions to one language
  --group=<g:perms> Group grant for user-set, repeatable (perms from r, w, d)
  --json            Output as JSON
`

type options struct {
	lang    string
	groups  []snapshot.GroupGrant
	useJSON bool
}

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(1)
	}

	command := os.Args[1]
	if command == "help" || command == "--help" || command == "-h" {
		fmt.Println(usage)
		os.Exit(0)
	}

	args, opts, err := parseArgs(os.Args[2:])
	if err != nil {
		log.Fatalf("Invalid arguments: %v", err)
	}

	loadOpts := []config.Option{config.WithEnv(""), config.WithMetrics(false)}
	if command == "migrate" {
		loadOpts = append(loadOpts, config.WithAutoMigrate(true))
	}
	cfg, err := config.Load(loadOpts...)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx := context.Background()
	stores, err := cfg.BuildStores(ctx, nil, prometheus.NewRegistry())
	if err != nil {
		log.Fatalf("Failed to connect stores: %v", err)
	}

	err = execute(ctx, stores, command, args, opts)
	stores.Close(ctx)
	if errors.Is(err, docstore.ErrInconsistentState) {
		fmt.Printf("INCONSISTENT: %v\n", err)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s failed: %v", command, err)
	}
}

func execute(ctx context.Context, stores *config.Stores, command string, args []string, opts options) error {
	need := func(n int) error {
		if len(args) < n {
			return fmt.Errorf("%s needs %d argument(s), got %d", command, n, len(args))
		}
		return nil
	}

	switch command {
	case "migrate":
		fmt.Println("Migrations applied")
		return nil
	case "translations":
		if err := need(1); err != nil {
			return err
		}
		return handleTranslations(ctx, stores.Docs, args[0], opts)
	case "history":
		if err := need(2); err != nil {
			return err
		}
		return handleHistory(ctx, stores.Docs, args[0], args[1], opts)
	case "verify":
		if err := need(2); err != nil {
			return err
		}
		return handleVerify(ctx, stores.Docs, args[0], args[1])
	case "repair":
		if err := need(2); err != nil {
			return err
		}
		return handleRepair(ctx, stores.Docs, args[0], args[1], opts)
	case "grant", "revoke", "check":
		if err := need(2); err != nil {
			return err
		}
		return handlePermission(ctx, stores.Docs, command, args[0], args[1], opts)
	case "user":
		if err := need(1); err != nil {
			return err
		}
		return handleUser(ctx, stores.Snapshots, args[0], opts)
	case "user-set":
		if err := need(1); err != nil {
			return err
		}
		return handleUserSet(ctx, stores.Snapshots, args[0], opts)
	case "versions":
		if err := need(1); err != nil {
			return err
		}
		return handleVersions(ctx, stores.Snapshots, args[0], opts)
	}
	return fmt.Errorf("unknown command: %s", command)
}

func parseArgs(raw []string) ([]string, options, error) {
	var args []string
	var opts options
	for _, arg := range raw {
		if arg == "--json" {
			opts.useJSON = true
			continue
		}
		key, value := parseFlag(arg)
		switch key {
		case "":
			args = append(args, arg)
		case "lang":
			opts.lang = value
		case "group":
			g, err := parseGroup(value)
			if err != nil {
				return nil, opts, err
			}
			opts.groups = append(opts.groups, g)
		default:
			return nil, opts, fmt.Errorf("unknown option --%s", key)
		}
	}
	return args, opts, nil
}

func parseFlag(arg string) (string, string) {
	if len(arg) > 2 && arg[:2] == "--" {
		key, value, found := strings.Cut(arg[2:], "=")
		if !found {
			return key, "true"
		}
		return key, value
	}
	return "", ""
}

// parseGroup reads "editors:rw" into a grant with one permission per letter
func parseGroup(value string) (snapshot.GroupGrant, error) {
	name, perms, _ := strings.Cut(value, ":")
	if strings.TrimSpace(name) == "" {
		return snapshot.GroupGrant{}, fmt.Errorf("group %q has no name", value)
	}
	g := snapshot.GroupGrant{Name: name, Permissions: []string{}}
	for _, p := range perms {
		switch string(p) {
		case snapshot.PermRead, snapshot.PermWrite, snapshot.PermDelete:
			g.Permissions = append(g.Permissions, string(p))
		default:
			return snapshot.GroupGrant{}, fmt.Errorf("group %q: unknown permission %q", value, p)
		}
	}
	return g, nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func handleTranslations(ctx context.Context, docs *docstore.Store, name string, opts options) error {
	langs, err := docs.Translations(ctx, name)
	if err != nil {
		return err
	}
	if opts.useJSON {
		return printJSON(langs)
	}
	for _, l := range langs {
		fmt.Println(l)
	}
	fmt.Printf("\nTotal: %d\n", len(langs))
	return nil
}

func openExisting(ctx context.Context, docs *docstore.Store, name, lang string) (*docstore.Document, error) {
	doc, err := docs.Open(ctx, name, lang)
	if err != nil {
		return nil, err
	}
	if !doc.Persisted() {
		return nil, fmt.Errorf("document %s: %w", name, docstore.ErrNotFound)
	}
	return doc, nil
}

func handleHistory(ctx context.Context, docs *docstore.Store, name, lang string, opts options) error {
	doc, err := openExisting(ctx, docs, name, lang)
	if err != nil {
		return err
	}
	revs, err := doc.History(ctx)
	if err != nil {
		return err
	}
	if opts.useJSON {
		return printJSON(revs)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "VERSION\tCREATOR\tCREATED\tOBJECT KEY\n")
	for _, rev := range revs {
		key := rev.ObjectKey
		if key == "" {
			key = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", rev.Version, rev.Creator, rev.CreatedAt.Format(time.RFC3339), key)
	}
	w.Flush()
	fmt.Printf("\nTotal: %d\n", len(revs))
	return nil
}

func handleVerify(ctx context.Context, docs *docstore.Store, name, lang string) error {
	doc, err := openExisting(ctx, docs, name, lang)
	if err != nil {
		return err
	}
	if err := doc.Verify(ctx); err != nil {
		return err
	}
	fmt.Println("OK")
	return nil
}

func handleRepair(ctx context.Context, docs *docstore.Store, name, lang string, opts options) error {
	doc, err := openExisting(ctx, docs, name, lang)
	if err != nil {
		return err
	}
	rev, err := doc.Repair(ctx)
	if err != nil {
		return err
	}
	if opts.useJSON {
		return printJSON(rev)
	}
	fmt.Printf("Current revision is now version %d\n", rev.Version)
	return nil
}

func handlePermission(ctx context.Context, docs *docstore.Store, command, name, username string, opts options) error {
	rec, found, err := docs.ResolveDocument(ctx, name)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("document %s: %w", name, docstore.ErrNotFound)
	}
	perms := docs.Permissions()
	switch command {
	case "grant":
		err = perms.Grant(ctx, rec.ID, username)
	case "revoke":
		err = perms.Revoke(ctx, rec.ID, username)
	}
	if err != nil {
		return err
	}
	allowed, err := perms.Check(ctx, rec.ID, username)
	if err != nil {
		return err
	}
	if opts.useJSON {
		return printJSON(map[string]any{"document": rec.Name, "username": username, "allowed": allowed})
	}
	fmt.Printf("%s on %s: allowed=%t\n", username, rec.Name, allowed)
	return nil
}

func printUser(u *snapshot.User, opts options) error {
	if opts.useJSON {
		return printJSON(u)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "GROUP\tPERMISSIONS\n")
	for _, g := range u.Groups {
		fmt.Fprintf(w, "%s\t%s\n", g.Name, strings.Join(g.Permissions, ""))
	}
	return w.Flush()
}

func handleUser(ctx context.Context, snaps *snapshot.Store, username string, opts options) error {
	u, err := snaps.GetUser(ctx, username)
	if err != nil {
		return err
	}
	return printUser(u, opts)
}

func handleUserSet(ctx context.Context, snaps *snapshot.Store, username string, opts options) error {
	u := snapshot.NewUser(username)
	u.Groups = append(u.Groups, opts.groups...)
	if _, err := snaps.CreateUser(ctx, u); err != nil {
		return err
	}
	stored, err := snaps.GetUser(ctx, username)
	if err != nil {
		return err
	}
	return printUser(stored, opts)
}

func handleVersions(ctx context.Context, snaps *snapshot.Store, uri string, opts options) error {
	versions, err := snaps.AllVersionsByURI(ctx, uri, opts.lang)
	if err != nil {
		return err
	}
	if opts.useJSON {
		return printJSON(versions)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "VERSION\tLANGUAGE\tACTIVE\tCREATOR\tCREATED\tGROUPS\n")
	for _, s := range versions {
		m := s.Metadata
		fmt.Fprintf(w, "%d\t%s\t%t\t%s\t%s\t%s\n",
			m.Version, m.Language, m.Active, m.Creator,
			m.CreateDate.Format("2006-01-02 15:04:05"), strings.Join(m.Groups, ","))
	}
	w.Flush()
	fmt.Printf("\nTotal: %d\n", len(versions))
	return nil
}
