package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/agentworkforce/fieldsync/internal/logging"
	"github.com/agentworkforce/fieldsync/internal/offline"
	"github.com/agentworkforce/fieldsync/internal/syncagent"
)

const (
	keyConfig              = "config"
	keyServer              = "server"
	keyToken               = "token"
	keyStore               = "store"
	keyListen              = "listen"
	keyAllowedOrigins      = "allowed-origins"
	keySpoolDir            = "spool-dir"
	keyInterval            = "interval"
	keyProbeTimeout        = "probe-timeout"
	keyRequestTimeout      = "request-timeout"
	keyRetention           = "retention"
	keyMaxNotFoundAttempts = "max-not-found-attempts"
	keyCompressThreshold   = "compress-threshold"
	keyBatchSize           = "batch-size"
	keyRefresh             = "refresh"
	keyLogLevel            = "log-level"
	keyLogFormat           = "log-format"
	keyLogFile             = "log-file"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd(viper.New()).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:           "fieldsync-agent",
		Short:         "Offline-first sync agent for field devices",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(v)
		},
	}
	flags := root.PersistentFlags()
	flags.String(keyConfig, "", "YAML config file")
	flags.String(keyServer, "http://127.0.0.1:8080", "fieldsync server base URL")
	flags.String(keyToken, "", "bearer token")
	flags.String(keyStore, ".fieldsync/agent.db", "local store DSN (sqlite://, file://, memory://)")
	flags.String(keyListen, "127.0.0.1:8787", "UI feed listen address, empty disables it")
	flags.StringSlice(keyAllowedOrigins, nil, "websocket origin patterns allowed to connect")
	flags.String(keySpoolDir, "", "directory watched for *.json operations")
	flags.Duration(keyInterval, syncagent.DefaultInterval, "periodic flush interval")
	flags.Duration(keyProbeTimeout, syncagent.DefaultProbeTimeout, "reachability probe timeout")
	flags.Duration(keyRequestTimeout, 0, "HTTP request timeout")
	flags.Duration(keyRetention, offline.DefaultRetention, "how long synced operations are kept")
	flags.Int(keyMaxNotFoundAttempts, offline.DefaultMaxNotFoundAttempts, "not-found failures before an operation is dead-lettered")
	flags.Int(keyCompressThreshold, 0, "batch size in bytes above which requests are snappy encoded")
	flags.Int(keyBatchSize, syncagent.DefaultBatchSize, "maximum operations sent per sync request")
	flags.StringSlice(keyRefresh, []string{"clients", "products"}, "collections refreshed after every applied flush")
	flags.String(keyLogLevel, "info", "log level (debug, info, warn, error)")
	flags.String(keyLogFormat, "text", "log format (text, json)")
	flags.String(keyLogFile, "", "log file, rotated; stderr when empty")
	_ = v.BindPFlags(flags)

	root.AddCommand(
		newRunCmd(v),
		newStatusCmd(v),
		newFlushCmd(v),
		newEnqueueCmd(v),
		newPruneCmd(v),
		newDeadLettersCmd(v),
		newRetryCmd(v),
		newDiscardCmd(v),
	)
	return root
}

func initConfig(v *viper.Viper) error {
	v.SetEnvPrefix("FIELDSYNC_AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if path := strings.TrimSpace(v.GetString(keyConfig)); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return nil
}

// withAgent opens the agent for one command and closes it afterwards.
func withAgent(cmd *cobra.Command, v *viper.Viper, fn func(ctx context.Context, a *agent, out io.Writer) error) error {
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}
	logger, closeLog, err := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
		Output: cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	defer closeLog()
	a, err := openAgent(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cmd.Context(), a, cmd.OutOrStdout())
}

func printJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func newRunCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler, UI feed and spool watcher until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd, v, func(ctx context.Context, a *agent, _ io.Writer) error {
				a.logger.Info("fieldsync agent starting", "server", a.cfg.Server, "store", a.cfg.Store, "interval", a.cfg.Interval)
				return a.run(ctx)
			})
		},
	}
}

func newStatusCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print queue counts and scheduler state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd, v, func(ctx context.Context, a *agent, out io.Writer) error {
				status, err := a.bridge.QueueStatus(ctx)
				if err != nil {
					return err
				}
				return printJSON(out, status)
			})
		},
	}
}

func newFlushCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Submit pending operations once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd, v, func(ctx context.Context, a *agent, out io.Writer) error {
				result, err := a.bridge.Flush(ctx)
				if err != nil {
					return err
				}
				return printJSON(out, result)
			})
		},
	}
}

func newEnqueueCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <store> <create|update|delete> <json-payload>",
		Short: "Queue one operation and apply it to the local cache",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := decodePayload(args[2])
			if err != nil {
				return err
			}
			return withAgent(cmd, v, func(ctx context.Context, a *agent, out io.Writer) error {
				op, err := a.bridge.Submit(ctx, args[0], offline.Action(args[1]), payload)
				if err != nil {
					return err
				}
				return printJSON(out, op)
			})
		},
	}
}

func decodePayload(raw string) (offline.Record, error) {
	decoder := json.NewDecoder(strings.NewReader(raw))
	decoder.UseNumber()
	var payload offline.Record
	if err := decoder.Decode(&payload); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	if payload == nil {
		return nil, errors.New("payload must be a JSON object")
	}
	return payload, nil
}

func newPruneCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Drop synced operations older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd, v, func(ctx context.Context, a *agent, out io.Writer) error {
				pruned, err := a.queue.Prune(ctx, a.cfg.Retention)
				if err != nil {
					return err
				}
				return printJSON(out, map[string]int{"pruned": pruned})
			})
		},
	}
}

func newDeadLettersCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "dead-letters",
		Short: "List operations parked after repeated not-found failures",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd, v, func(ctx context.Context, a *agent, out io.Writer) error {
				ops, err := a.bridge.DeadLetters(ctx)
				if err != nil {
					return err
				}
				return printJSON(out, ops)
			})
		},
	}
}

func newRetryCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <operation-id>",
		Short: "Return an operation to the pending set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd, v, func(ctx context.Context, a *agent, out io.Writer) error {
				op, err := a.bridge.Retry(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(out, op)
			})
		},
	}
}

func newDiscardCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <operation-id>",
		Short: "Drop an unsynced operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd, v, func(ctx context.Context, a *agent, out io.Writer) error {
				op, err := a.bridge.Discard(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(out, op)
			})
		},
	}
}
