package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/synnergy-chain/shardbft/core"
	"github.com/synnergy-chain/shardbft/internal/diagnostics"
	"github.com/synnergy-chain/shardbft/internal/keys"
	"github.com/synnergy-chain/shardbft/pkg/config"
)

// committeeFile is the on-disk shape of a static committee roster, one
// entry per shard group this process may need to know about.
type committeeFile struct {
	Committees []struct {
		ShardStart uint32 `yaml:"shard_start"`
		ShardEnd   uint32 `yaml:"shard_end"`
		Members    []struct {
			PublicKey string `yaml:"public_key"`
		} `yaml:"members"`
	} `yaml:"committees"`
}

// loadCommitteeFile parses a YAML committee roster into the shape
// NewStaticEpochOracle expects. Members' public keys are hex-encoded
// compressed secp256k1 points.
func loadCommitteeFile(path string) (map[core.ShardGroup][]core.ValidatorInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read committee file: %w", err)
	}
	var parsed committeeFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse committee file: %w", err)
	}
	out := make(map[core.ShardGroup][]core.ValidatorInfo, len(parsed.Committees))
	for _, c := range parsed.Committees {
		sg := core.ShardGroup{Start: core.Shard(c.ShardStart), End: core.Shard(c.ShardEnd)}
		members := make([]core.ValidatorInfo, 0, len(c.Members))
		for _, m := range c.Members {
			pk, err := hex.DecodeString(m.PublicKey)
			if err != nil {
				return nil, fmt.Errorf("decode public key %q: %w", m.PublicKey, err)
			}
			members = append(members, core.ValidatorInfo{PublicKey: pk})
		}
		out[sg] = members
	}
	return out, nil
}

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{Use: "shardbft"}
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(keygenCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configEnv string
	var keyPath string
	var committeePath string
	var shardGroupStart, shardGroupEnd uint32

	cmd := &cobra.Command{
		Use:   "run",
		Short: "open a shard-group validator's store and serve diagnostics (no consensus worker is started)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configEnv)
			if err != nil {
				return err
			}
			setupLogging(cfg)

			id, err := keys.LoadOrGenerate(keyPath)
			if err != nil {
				return fmt.Errorf("load identity: %w", err)
			}

			store, err := core.OpenBoltStore(cfg.Storage.DBPath)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer store.Close()

			registry := prometheus.NewRegistry()
			core.RegisterMetrics(registry)

			shardGroup := core.ShardGroup{Start: core.Shard(shardGroupStart), End: core.Shard(shardGroupEnd)}
			committees := map[core.ShardGroup][]core.ValidatorInfo{
				shardGroup: {{PublicKey: id.PublicKey()}},
			}
			if committeePath != "" {
				loaded, err := loadCommitteeFile(committeePath)
				if err != nil {
					return fmt.Errorf("load committee file: %w", err)
				}
				committees = loaded
			}
			oracle := core.NewStaticEpochOracle(0, committees, id.PublicKey())

			diagServer := diagnostics.NewServer(cfg.Diagnostics.ListenAddr, store, oracle)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigCh
				logrus.Info("shutdown signal received")
				cancel()
			}()

			go func() {
				if err := diagServer.Start(ctx); err != nil {
					logrus.WithError(err).Error("diagnostics server stopped")
				}
			}()

			logrus.WithFields(logrus.Fields{
				"shard_group": shardGroup.String(),
				"db_path":     cfg.Storage.DBPath,
			}).Info("shardbft validator starting")

			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&configEnv, "env", "", "environment config overlay to merge (e.g. staging)")
	cmd.Flags().StringVar(&keyPath, "key", "data/validator.key", "path to the validator's signing key")
	cmd.Flags().Uint32Var(&shardGroupStart, "shard-start", 0, "inclusive start of this validator's shard group")
	cmd.Flags().Uint32Var(&shardGroupEnd, "shard-end", 1, "exclusive end of this validator's shard group")
	cmd.Flags().StringVar(&committeePath, "committee", "", "path to a YAML committee roster; defaults to a solo committee of this validator")
	return cmd
}

func keygenCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "generate a validator signing key, or load an existing one, and print its public key",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := keys.LoadOrGenerate(out)
			if err != nil {
				return err
			}
			fmt.Printf("public key: %x\n", id.PublicKey())
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "data/validator.key", "path of the key file; a new key is written there only if none exists")
	return cmd
}

func setupLogging(cfg *config.Config) {
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err == nil {
			logrus.SetOutput(f)
		}
	}
}
