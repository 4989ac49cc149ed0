package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/base44/go-sdk/agents"
	"github.com/base44/go-sdk/httpclient"
	"github.com/base44/go-sdk/models"
)

var (
	agentName    string
	outputFormat string
	role         string
	listLimit    int
	requestWait  time.Duration
)

func init() {
	createCmd.Flags().StringVarP(&agentName, "agent", "a", "", "agent name")
	createCmd.MarkFlagRequired("agent")

	sendCmd.Flags().StringVarP(&role, "role", "r", string(models.RoleUser), "message role")

	listCmd.Flags().StringVarP(&agentName, "agent", "a", "", "only conversations with this agent")
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 20, "maximum number of conversations")

	for _, cmd := range []*cobra.Command{createCmd, sendCmd, showCmd, listCmd, watchCmd, statusCmd} {
		cmd.Flags().StringVarP(&outputFormat, "output", "o", "json", "output format: json or yaml")
		rootCmd.AddCommand(cmd)
	}
	rootCmd.PersistentFlags().DurationVar(&requestWait, "timeout", 30*time.Second, "per-request timeout")
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Start a conversation with an agent",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), requestWait)
		defer cancel()
		conv, err := c.Agents.CreateConversation(ctx, agents.CreateConversationParams{AgentName: agentName})
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), conv)
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>",
	Short: "Add a message to a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), requestWait)
		defer cancel()
		conv, err := c.Agents.GetConversation(ctx, args[0])
		if err != nil {
			return err
		}
		msg, err := c.Agents.AddMessage(ctx, conv, models.Message{Role: models.Role(role), Content: args[1]})
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), msg)
	},
}

var showCmd = &cobra.Command{
	Use:   "show <conversation-id>",
	Short: "Print a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), requestWait)
		defer cancel()
		conv, err := c.Agents.GetConversation(ctx, args[0])
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), conv)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		opts := httpclient.ListOptions{Sort: "-created_date", Limit: listLimit}
		if agentName != "" {
			opts.Query = map[string]any{"agent_name": agentName}
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestWait)
		defer cancel()
		convs, err := c.Agents.ListConversations(ctx, opts)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), convs)
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <conversation-id>",
	Short: "Print the conversation every time it changes",
	Long: `watch subscribes to the conversation over the realtime socket and
prints the full conversation on every update until interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		out := cmd.OutOrStdout()
		updates := make(chan *models.Conversation, 16)
		unsubscribe, err := c.Agents.SubscribeToConversation(args[0],
			func(conv *models.Conversation) { updates <- conv },
			func(err error) { fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err) },
		)
		if err != nil {
			return err
		}
		defer unsubscribe()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		for {
			select {
			case conv := <-updates:
				if err := render(out, conv); err != nil {
					return err
				}
			case <-quit:
				return nil
			case <-cmd.Context().Done():
				return nil
			}
		}
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Connect the realtime socket and report its state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.Agents.ConnectWebSocket(); err != nil {
			return err
		}
		deadline := time.Now().Add(requestWait)
		for !c.Agents.GetWebSocketStatus().Connected && time.Now().Before(deadline) {
			time.Sleep(100 * time.Millisecond)
		}
		return render(cmd.OutOrStdout(), c.Agents.GetWebSocketStatus())
	},
}

func render(w io.Writer, v any) error {
	switch outputFormat {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case "json", "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		return fmt.Errorf("unknown output format %q", outputFormat)
	}
}
