package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands
type RootOptions struct {
	Addr      string
	APIKey    string
	KeyHeader string
	Format    string // "json" | "text"
	Timeout   time.Duration
}

// ValidFormats defines the allowed output formats
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the possyncctl root command
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "possyncctl",
		Short: "Control a running possync daemon",
		Long: `Inspect and drive the offline sync engine through its local API.

The daemon address defaults to POSSYNC_ADDR or http://127.0.0.1:7420 and the
API key to API_KEY.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Addr, "addr", envOr("POSSYNC_ADDR", "http://127.0.0.1:7420"), "daemon base URL")
	cmd.PersistentFlags().StringVar(&opts.APIKey, "api-key", os.Getenv("API_KEY"), "local API key")
	cmd.PersistentFlags().StringVar(&opts.KeyHeader, "api-key-header", "X-API-Key", "header carrying the API key")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 10*time.Minute, "request timeout")

	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewCacheCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewConnectivityCommand(opts))

	return cmd
}

func (o *RootOptions) client() *Client {
	return NewClient(o.Addr, o.APIKey, o.KeyHeader, o.Timeout)
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
