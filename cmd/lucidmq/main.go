package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lucidmq/lucidmq/internal/agent"
)

type cli struct {
	config agent.Config
}

func main() {
	c := &cli{}

	cmd := &cobra.Command{
		Use:   "lucidmq",
		Short: "Run a single-node lucidmq broker",
		RunE:  c.run,
	}
	cmd.Flags().StringVar(&c.config.DataDir, "dir", "lucidmq-data", "directory for broker metadata and topic logs")
	cmd.Flags().StringVar(&c.config.BindAddr, "bind", "127.0.0.1:8080", "address for the framed TCP protocol")
	cmd.Flags().StringVar(&c.config.HTTPAddr, "http-bind", "", "address for the HTTP admin API; empty disables it")
	cmd.Flags().Uint64Var(&c.config.MaxSegmentBytes, "max-segment-bytes", 0, "default per-topic segment size cap in bytes")
	cmd.Flags().Uint64Var(&c.config.MaxTopicBytes, "max-topic-bytes", 0, "default per-topic retention cap in bytes")
	cmd.Flags().BoolVar(&c.config.AutoCreateTopics, "auto-create-topics", false, "create missing topics on produce and consume")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func (c *cli) run(cmd *cobra.Command, args []string) error {
	a, err := agent.New(c.config)
	if err != nil {
		return err
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc

	return a.Shutdown()
}
