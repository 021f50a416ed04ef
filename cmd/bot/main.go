package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/GoldenSylph/vk-mass-sending-bot/internal/app"
	"github.com/GoldenSylph/vk-mass-sending-bot/internal/broadcast"
	"github.com/GoldenSylph/vk-mass-sending-bot/internal/lists"
)

// version is stamped by the build (-ldflags "-X main.version=...").
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "vksender",
		Short:         "Mass-messaging bot for VK communities",
		Long:          "vksender enumerates a community's members and mass-sends a templated\nmessage through a rate-limited dispatch queue.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.json", "path to config file (json or yaml)")

	root.AddCommand(newRunCmd(&cfgPath))
	root.AddCommand(newSendCmd(&cfgPath))
	root.AddCommand(newMembersCmd(&cfgPath))
	root.AddCommand(newListsCmd(&cfgPath))

	return root
}

func newRunCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the bot daemon (long poll, chat commands, scheduled sync)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(*cfgPath)
		},
	}
}

func runDaemon(cfgPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bot, err := app.New(cfgPath)
	if err != nil {
		return err
	}

	if err := bot.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = bot.Stop(stopCtx, app.StopFatalError)
		return err
	}

	// Wait for a signal or a fatal supervisor error, whichever first.
	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-bot.Done():
		if ctx.Err() == nil {
			reason = app.StopFatalError
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := bot.Stop(stopCtx, reason); err != nil {
		return err
	}
	if reason == app.StopFatalError {
		return bot.Err()
	}
	return nil
}

func newSendCmd(cfgPath *string) *cobra.Command {
	var (
		dryRun  bool
		tplPath string
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Run one broadcast and exit",
		Long:  "Enumerates members, applies the allow/block lists and sends the\ntemplated message to every remaining member. --dry-run walks the whole\npipeline without calling the provider.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			bot, err := app.New(*cfgPath)
			if err != nil {
				return err
			}
			bot.StartCore(ctx)
			defer func() {
				c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				bot.StopCore(c)
			}()

			out, err := bot.RunBroadcast(ctx, broadcast.RunOptions{
				DryRun:       dryRun,
				TemplatePath: tplPath,
			})
			if err != nil {
				return err
			}
			verb := "sent"
			if dryRun {
				verb = "would send"
			}
			cmd.Printf("processed %d, %s %d, skipped %d\n", out.Processed, verb, out.Sent, out.Skipped)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "simulate: no messages are sent")
	cmd.Flags().StringVar(&tplPath, "template", "", "template file overriding broadcast.template_path")
	return cmd
}

func newMembersCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "members",
		Short: "Member snapshot operations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Enumerate the community members once and store the snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			bot, err := app.New(*cfgPath)
			if err != nil {
				return err
			}
			bot.StartCore(ctx)
			defer func() {
				c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				bot.StopCore(c)
			}()

			n, err := bot.SyncMembers(ctx)
			if err != nil {
				return err
			}
			cmd.Printf("synced %d members\n", n)
			return nil
		},
	})
	return cmd
}

func newListsCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lists",
		Short: "Inspect the allow/block lists",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <allow|block>",
		Short: "Print the ids in a list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := lists.Kind(strings.ToLower(args[0]))
			if kind != lists.KindAllow && kind != lists.KindBlock {
				return fmt.Errorf("unknown list %q (want allow or block)", args[0])
			}

			bot, err := app.New(*cfgPath)
			if err != nil {
				return err
			}
			set, err := bot.Lists().Load(kind)
			if err != nil {
				return err
			}
			if set.Len() == 0 {
				cmd.Printf("%s list is empty\n", kind)
				return nil
			}
			for _, id := range set.IDs() {
				cmd.Println(id)
			}
			return nil
		},
	})
	return cmd
}
