package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/snehjoshi/epochflow/pkg/client"
)

// ClientOptions holds the flags shared by commands that talk to a node.
type ClientOptions struct {
	*RootOptions
	Addr   string
	APIKey string
}

func (o *ClientOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.Addr, "addr", "http://localhost:8080", "gateway base URL")
	cmd.Flags().StringVar(&o.APIKey, "api-key", "", "API key (X-Api-Key)")
}

func (o *ClientOptions) client() *client.Client {
	var opts []client.ClientOption
	if o.APIKey != "" {
		opts = append(opts, client.WithAPIKey(o.APIKey))
	}
	return client.New(o.Addr, opts...)
}

// NewHealthCommand creates the health command.
func NewHealthCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ClientOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Show a node's health and partition status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.client()
			h, err := c.Health(cmd.Context())
			if err != nil {
				return err
			}
			parts, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.Format == "json" {
				return json.NewEncoder(out).Encode(map[string]any{"health": h, "partitions": parts})
			}
			fmt.Fprintf(out, "status:  %s\nnode:    %s\nversion: %s\nuptime:  %s\n", h.Status, h.NodeID, h.Version, h.Uptime)
			for _, p := range parts {
				fmt.Fprintf(out, "partition %d: %s committed=%d log=%d\n", p.ID, p.Phase, p.CommittedPosition, p.LogPosition)
			}
			return nil
		},
	}
	opts.bind(cmd)
	return cmd
}

// PublishOptions holds flags for the publish command.
type PublishOptions struct {
	ClientOptions
	TTL       time.Duration
	MessageID string
	Variables string
}

// NewPublishCommand creates the publish command.
func NewPublishCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PublishOptions{ClientOptions: ClientOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "publish <name> <correlation-key>",
		Short: "Publish a message",
		Long: `Publish a message to the partition owning its correlation key.

Examples:
  epochflow publish orderApproved order-42 --ttl 1h
  epochflow publish orderApproved order-42 --variables '{"approved":true}' --message-id m-1`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var msgOpts []client.MessageOption
			if opts.MessageID != "" {
				msgOpts = append(msgOpts, client.WithMessageID(opts.MessageID))
			}
			if opts.Variables != "" {
				if !json.Valid([]byte(opts.Variables)) {
					return fmt.Errorf("--variables is not valid JSON")
				}
				msgOpts = append(msgOpts, client.WithMessageVariables(json.RawMessage(opts.Variables)))
			}

			key, err := opts.client().PublishMessage(cmd.Context(), args[0], args[1], opts.TTL, msgOpts...)
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]int64{"key": key})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published message %d\n", key)
			return nil
		},
	}
	opts.bind(cmd)
	cmd.Flags().DurationVar(&opts.TTL, "ttl", time.Hour, "time to live")
	cmd.Flags().StringVar(&opts.MessageID, "message-id", "", "idempotency id")
	cmd.Flags().StringVar(&opts.Variables, "variables", "", "JSON variables")
	return cmd
}
