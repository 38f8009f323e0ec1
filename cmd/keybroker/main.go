// Command keybroker runs the key broker service and offers a few
// maintenance commands against its key store.
//
//	keybroker [serve]          run the bridge and admin API
//	keybroker keys             list persisted keys
//	keybroker forget <asset>   delete the persisted key of an asset
//	keybroker version          print version information
//
// keys and forget go through the admin API of a broker running on the
// configured address. The store is opened directly only when nothing is
// listening there, or with -offline.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"keybroker/internal/app"
	"keybroker/internal/config"
	"keybroker/internal/infrastructure"
	"keybroker/internal/keystore"
	"keybroker/pkg/contracts"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keybroker", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configFile := fs.String("config", "", "path to a YAML config file")
	offline := fs.Bool("offline", false, "edit the key store directly without contacting a running broker")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	command := "serve"
	rest := fs.Args()
	if len(rest) > 0 {
		command, rest = rest[0], rest[1:]
	}

	if command == "version" {
		fmt.Fprintln(stdout, contracts.GetFullVersionString())
		return 0
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load configuration: %v\n", err)
		return 1
	}

	switch command {
	case "serve":
		return serve(cfg, stderr)
	case "keys":
		return listKeys(cfg, *offline, stdout, stderr)
	case "forget":
		if len(rest) != 1 {
			fmt.Fprintln(stderr, "usage: keybroker forget <asset>")
			return 2
		}
		return forget(cfg, *offline, rest[0], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", command)
		return 2
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFrom(path)
	}
	return config.Load()
}

func serve(cfg *config.Config, stderr io.Writer) int {
	application, err := app.New(cfg, nil)
	if err != nil {
		fmt.Fprintf(stderr, "failed to initialize application: %v\n", err)
		return 1
	}
	defer infrastructure.CloseLogFile()

	if err := application.Run(); err != nil {
		application.Logger.Error("Application error", slog.String("error", err.Error()))
		return 1
	}
	return 0
}

// openStore opens the key store with logging kept off the command output
func openStore(cfg *config.Config, stderr io.Writer) (*keystore.Store, error) {
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return keystore.Open(keystore.OptionsFromConfig(cfg.Storage, logger))
}

func listKeys(cfg *config.Config, offline bool, stdout, stderr io.Writer) int {
	var keys []keystore.KeyInfo
	err := errServerNotRunning
	if !offline {
		keys, err = newAdminClient(cfg.Server).ListKeys()
	}
	if errors.Is(err, errServerNotRunning) {
		keys, err = listStoredKeys(cfg, stderr)
	}
	if err != nil {
		fmt.Fprintf(stderr, "failed to list keys: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(keys); err != nil {
		fmt.Fprintf(stderr, "failed to write key list: %v\n", err)
		return 1
	}
	return 0
}

func listStoredKeys(cfg *config.Config, stderr io.Writer) ([]keystore.KeyInfo, error) {
	store, err := openStore(cfg, stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to open key store: %w", err)
	}

	keys := make([]keystore.KeyInfo, 0)
	for _, name := range store.Assets() {
		info, err := store.Stat(name)
		if err != nil {
			fmt.Fprintf(stderr, "skipping %s: %v\n", name, err)
			continue
		}
		keys = append(keys, info)
	}
	return keys, nil
}

func forget(cfg *config.Config, offline bool, asset string, stdout, stderr io.Writer) int {
	err := errServerNotRunning
	if !offline {
		err = newAdminClient(cfg.Server).Forget(asset)
	}
	if errors.Is(err, errServerNotRunning) {
		err = forgetStored(cfg, asset, stderr)
	}
	if err != nil {
		fmt.Fprintf(stderr, "failed to forget %s: %v\n", asset, err)
		return 1
	}
	fmt.Fprintf(stdout, "forgot %s\n", asset)
	return 0
}

func forgetStored(cfg *config.Config, asset string, stderr io.Writer) error {
	store, err := openStore(cfg, stderr)
	if err != nil {
		return fmt.Errorf("failed to open key store: %w", err)
	}
	return store.Delete(asset)
}
