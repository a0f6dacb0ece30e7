// Command fastagid is a minimal FastAGI listener binary: the external
// collaborator SPEC_FULL §1 describes as out of the core's scope. It only
// accepts TCP connections and hands each to the agi.Channel core; all
// protocol logic lives in the root package.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/nyxtel/agi"
)

var v = viper.New()

func main() {
	root := &cobra.Command{
		Use:   "fastagid",
		Short: "FastAGI protocol engine server",
		RunE:  run,
	}

	flags := root.Flags()
	flags.String("listen", "127.0.0.1:4573", "address to listen on")
	flags.Int("max-queue-size", agi.DefaultMaxQueueSize, "maximum pending commands per channel")
	flags.Duration("command-timeout", agi.DefaultCommandTimeout, "per-command timeout (not applied: channels always use agi.DefaultCommandTimeout)")
	flags.Bool("debug", false, "enable verbose development logging")
	flags.String("config", "", "optional YAML config file")

	_ = v.BindPFlags(flags)
	v.SetEnvPrefix("FASTAGI")
	v.AutomaticEnv()

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	if cfgFile := v.GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file: %w", err)
		}
	}

	logger, err := buildLogger(v.GetBool("debug"))
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	opts := agi.Options{
		MaxQueueSize: v.GetInt("max-queue-size"),
		Logger:       logger,
	}

	addr := v.GetString("listen")

	return agi.Listen(addr, opts, func(ch *agi.Channel) {
		handleChannel(ch, logger)
	})
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// handleChannel is a placeholder dialplan handler: it answers the channel,
// plays a greeting, and hangs up. Real deployments register their own
// HandlerFunc instead of this one.
func handleChannel(ch *agi.Channel, logger *zap.Logger) {
	ready := make(chan struct{})
	ch.On(agi.EventReady, func(interface{}) { close(ready) })

	select {
	case <-ready:
	case <-time.After(10 * time.Second):
		logger.Warn("channel never became ready", zap.String("id", ch.ID))
		return
	}

	log := logger.With(zap.String("id", ch.ID), zap.String("uniqueid", ch.Metadata().UniqueID))

	if err := ch.Answer(); err != nil {
		log.Warn("answer failed", zap.Error(err))
		return
	}

	if _, err := ch.StreamFile("demo-congrats", "", 0); err != nil {
		log.Warn("stream file failed", zap.Error(err))
	}

	if err := ch.Hangup(); err != nil {
		log.Warn("hangup failed", zap.Error(err))
	}
}
