package main

// quarry: the chain application CLI. The consensus engine drives the app in
// production; this binary covers the node-side paths that don't need
// consensus: genesis initialization, store and app queries, and pruning.

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"quarry-network/core"
	"quarry-network/pkg/config"
)

func main() {
	var jsonLogs bool

	rootCmd := &cobra.Command{
		Use:   "quarry",
		Short: "Quarry chain application",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if jsonLogs {
				logrus.SetFormatter(&logrus.JSONFormatter{})
			}
		},
	}
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "emit logs as JSON")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(queryCmd())
	rootCmd.AddCommand(pruneCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openApp wires an App over the configured database.
func openApp() (*core.App, *config.Config, error) {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		cfg = config.Defaults()
	}
	db, err := dbm.NewDB("quarry", dbm.GoLevelDBBackend, cfg.Storage.DBPath)
	if err != nil {
		return nil, nil, err
	}
	vm := core.NewWasmVM(core.DefaultGasCosts())
	app := core.NewApp(db, vm, cfg.Chain.ID, core.WithQueryGasLimit(cfg.VM.QueryGasLimit))
	return app, cfg, nil
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init [genesis.json]",
		Short: "initialize the chain from a genesis file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, cfg, err := openApp()
			if err != nil {
				return err
			}
			path := cfg.Chain.GenesisFile
			if len(args) > 0 {
				path = args[0]
			}
			bz, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			var doc struct {
				GenesisTime uint64            `json:"genesis_time" yaml:"genesis_time"`
				AppState    core.GenesisState `json:"app_state" yaml:"app_state"`
			}
			// Genesis documents come as JSON; YAML is accepted for
			// hand-written devnet files.
			switch filepath.Ext(path) {
			case ".yaml", ".yml":
				var raw map[string]any
				if err := yaml.Unmarshal(bz, &raw); err != nil {
					return fmt.Errorf("parse genesis: %w", err)
				}
				jz, err := json.Marshal(raw)
				if err != nil {
					return fmt.Errorf("parse genesis: %w", err)
				}
				if err := json.Unmarshal(jz, &doc); err != nil {
					return fmt.Errorf("parse genesis: %w", err)
				}
			default:
				if err := json.Unmarshal(bz, &doc); err != nil {
					return fmt.Errorf("parse genesis: %w", err)
				}
			}
			appHash, err := app.InitChain(core.Timestamp(doc.GenesisTime), doc.AppState)
			if err != nil {
				return err
			}
			fmt.Printf("chain initialized, app hash %s\n", appHash)
			return nil
		},
	}
}

func queryCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "query", Short: "query the chain"}

	var prove bool
	var height uint64
	store := &cobra.Command{
		Use:   "store [key-hex]",
		Short: "read a raw state key, optionally with a Merkle proof",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, _, err := openApp()
			if err != nil {
				return err
			}
			key, err := hex.DecodeString(args[0])
			if err != nil {
				return err
			}
			value, proof, err := app.QueryStore(key, height, prove)
			if err != nil {
				return err
			}
			fmt.Printf("value: %x\n", value)
			if proof != nil {
				bz, err := proof.MarshalBinary()
				if err != nil {
					return err
				}
				fmt.Printf("proof: %s\n", bz)
			}
			return nil
		},
	}
	store.Flags().BoolVar(&prove, "prove", false, "include a Merkle proof")
	store.Flags().Uint64Var(&height, "height", 0, "proof version (0 = latest)")
	cmd.AddCommand(store)

	app := &cobra.Command{
		Use:   "app [request-json]",
		Short: "run an app-level query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			application, _, err := openApp()
			if err != nil {
				return err
			}
			var req core.QueryRequest
			if err := json.Unmarshal([]byte(args[0]), &req); err != nil {
				return fmt.Errorf("parse request: %w", err)
			}
			res, err := application.Query(req)
			if err != nil {
				return err
			}
			fmt.Println(string(res))
			return nil
		},
	}
	cmd.AddCommand(app)
	return cmd
}

func pruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "drop Merkle versions outside the configured history window",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, cfg, err := openApp()
			if err != nil {
				return err
			}
			block, err := app.LastFinalizedBlock()
			if err != nil {
				return err
			}
			if block.Height <= cfg.Storage.PruneKeep {
				logrus.Info("nothing to prune")
				return nil
			}
			upTo := block.Height - cfg.Storage.PruneKeep
			if err := app.Prune(upTo); err != nil {
				return err
			}
			logrus.WithField("up_to", upTo).Info("pruned merkle versions")
			return nil
		},
	}
}
