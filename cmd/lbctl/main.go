// lbctl is the fleet administration tool. It talks directly to the load
// balancer's database, so server changes are picked up by the running
// gateway without a restart.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/joho/godotenv"

	"github.com/conferencetools/bbb-loadbalancer/pkg/balancer"
	"github.com/conferencetools/bbb-loadbalancer/pkg/bbb"
	"github.com/conferencetools/bbb-loadbalancer/pkg/config"
	"github.com/conferencetools/bbb-loadbalancer/pkg/database"
	"github.com/conferencetools/bbb-loadbalancer/pkg/migrator"
	"github.com/conferencetools/bbb-loadbalancer/pkg/placement"
	"github.com/conferencetools/bbb-loadbalancer/pkg/registry"
)

const usage = `Usage: lbctl [-config path] <command> [arguments]

Commands:
  list                                  show all servers and their state
  add     -id N -url URL -secret S     register a new server
  edit    -id N [-url URL] [-secret S] change a server's url or secret
  remove  -id N                        delete a server and its meetings
  enable  -id N                        set server state to ENABLED
  disable -id N                        set server state to DISABLED
  panic   -id N                        panic a server and evacuate its meetings
`

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func main() {
	configPath := flag.String("config",
		getEnv("LOADBALANCER_CONFIG", "./config.yaml"),
		"Path to the configuration file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	envPath := filepath.Join(filepath.Dir(*configPath), ".env")
	_ = godotenv.Load(envPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalf("lbctl: %v", err)
	}

	ctx := context.Background()
	dbClient, err := database.NewClient(ctx, cfg.Database)
	if err != nil {
		fatalf("lbctl: %v", err)
	}
	defer dbClient.Close()

	reg := registry.New(dbClient.DB())

	command := flag.Arg(0)
	args := flag.Args()[1:]

	switch command {
	case "list":
		err = listServers(ctx, reg)
	case "add":
		err = addServer(ctx, reg, args)
	case "edit":
		err = editServer(ctx, reg, args)
	case "remove":
		err = removeServer(ctx, reg, args)
	case "enable":
		err = setState(ctx, reg, args, registry.StateEnabled)
	case "disable":
		err = setState(ctx, reg, args, registry.StateDisabled)
	case "panic":
		err = panicServer(ctx, cfg, reg, args)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fatalf("lbctl: %v", err)
	}
}

func listServers(ctx context.Context, reg *registry.Registry) error {
	servers, err := reg.ListServers(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tURL\tSTATE\tREACHABLE\tUNREACHABLE")
	for _, s := range servers {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\n",
			s.ServerID, s.URL, s.State, s.Reachable, s.Unreachable)
	}
	return w.Flush()
}

func addServer(ctx context.Context, reg *registry.Registry, args []string) error {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	id := fs.Int("id", 0, "operator-assigned server id")
	url := fs.String("url", "", "BBB API base URL")
	secret := fs.String("secret", "", "BBB API shared secret")
	fs.Parse(args)

	if *id == 0 || *url == "" || *secret == "" {
		return fmt.Errorf("add requires -id, -url and -secret")
	}

	server, err := reg.CreateServer(ctx, *id, bbb.NormalizeURL(*url), *secret)
	if err != nil {
		return err
	}
	fmt.Printf("added server %d (%s)\n", server.ServerID, server.URL)
	return nil
}

func editServer(ctx context.Context, reg *registry.Registry, args []string) error {
	fs := flag.NewFlagSet("edit", flag.ExitOnError)
	id := fs.Int("id", 0, "operator-assigned server id")
	url := fs.String("url", "", "new BBB API base URL")
	secret := fs.String("secret", "", "new BBB API shared secret")
	fs.Parse(args)

	server, err := resolve(ctx, reg, *id)
	if err != nil {
		return err
	}
	if *url == "" && *secret == "" {
		return fmt.Errorf("edit requires -url or -secret")
	}

	var newURL, newSecret *string
	if *url != "" {
		normalized := bbb.NormalizeURL(*url)
		newURL = &normalized
	}
	if *secret != "" {
		newSecret = secret
	}
	if err := reg.UpdateServer(ctx, server.ID, newURL, newSecret); err != nil {
		return err
	}
	fmt.Printf("updated server %d\n", server.ServerID)
	return nil
}

func removeServer(ctx context.Context, reg *registry.Registry, args []string) error {
	fs := flag.NewFlagSet("remove", flag.ExitOnError)
	id := fs.Int("id", 0, "operator-assigned server id")
	fs.Parse(args)

	server, err := resolve(ctx, reg, *id)
	if err != nil {
		return err
	}
	if err := reg.DeleteServer(ctx, server.ID); err != nil {
		return err
	}
	fmt.Printf("removed server %d\n", server.ServerID)
	return nil
}

func setState(ctx context.Context, reg *registry.Registry, args []string, state registry.ServerState) error {
	fs := flag.NewFlagSet(string(state), flag.ExitOnError)
	id := fs.Int("id", 0, "operator-assigned server id")
	fs.Parse(args)

	server, err := resolve(ctx, reg, *id)
	if err != nil {
		return err
	}
	if err := reg.SetServerState(ctx, server.ID, state); err != nil {
		return err
	}
	fmt.Printf("server %d is now %s\n", server.ServerID, state)
	return nil
}

// panicServer flips the server into PANIC and moves every running meeting
// elsewhere, exactly like the poller does when a server stops responding.
func panicServer(ctx context.Context, cfg *config.Config, reg *registry.Registry, args []string) error {
	fs := flag.NewFlagSet("panic", flag.ExitOnError)
	id := fs.Int("id", 0, "operator-assigned server id")
	fs.Parse(args)

	server, err := resolve(ctx, reg, *id)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	picker := placement.New(reg)
	bal := balancer.New(reg, picker, cfg.Hostname, cfg.Secret, logger)
	mig := migrator.New(reg, picker, bal, logger)

	if err := mig.Panic(ctx, server.ID); err != nil {
		return err
	}
	fmt.Printf("server %d panicked, meetings migrated\n", server.ServerID)
	return nil
}

func resolve(ctx context.Context, reg *registry.Registry, serverID int) (*registry.Server, error) {
	if serverID == 0 {
		return nil, fmt.Errorf("missing -id")
	}
	return reg.GetServerByServerID(ctx, serverID)
}
