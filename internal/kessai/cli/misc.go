package cli

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Treynis/ejbca/common/version"
	"github.com/Treynis/ejbca/internal/kessai/admin"
	"github.com/Treynis/ejbca/internal/kessai/api"
	"github.com/Treynis/ejbca/internal/kessai/config"
)

func readAllStdin() ([]byte, error) {
	return io.ReadAll(os.Stdin)
}

func (c *cli) configCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read and change runtime settings of the service",
	}

	get := &cobra.Command{
		Use:   "get [KEY]",
		Short: "Show one or all settings",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			all, err := cl.Settings(cmd.Context())
			if err != nil {
				return err
			}
			if len(args) == 1 {
				v, ok := all[args[0]]
				if !ok {
					return fmt.Errorf("%s is not set", args[0])
				}
				fmt.Fprintln(c.out, v)
				return nil
			}
			if c.jsonOutput() {
				return c.printJSON(all)
			}
			keys := make([]string, 0, len(all))
			for k := range all {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			for _, k := range keys {
				fmt.Fprintf(tw, "%s\t%s\n", k, all[k])
			}
			return tw.Flush()
		},
	}

	set := &cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Change a setting",
		Long:  "Change a setting. Known keys:\n  " + strings.Join(config.Keys(), "\n  "),
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Validate(args[0], args[1]); err != nil {
				return err
			}
			cl, err := c.client()
			if err != nil {
				return err
			}
			if err := cl.SetSetting(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "%s = %s\n", args[0], args[1])
			return nil
		},
	}

	cmd.AddCommand(get, set)
	return cmd
}

// tokenCommand issues bearer tokens offline from the shared secret. It is
// meant for bootstrapping and for service accounts.
func (c *cli) tokenCommand() *cobra.Command {
	var (
		who admin.Identity
		ttl time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token for an administrator certificate",
		Long: `Issue an API token signed with the service's shared secret, read from
KESSAI_JWT_SECRET. The token names the administrator by certificate issuer
and serial number.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			verifier, err := api.NewVerifier([]byte(os.Getenv("KESSAI_JWT_SECRET")))
			if err != nil {
				return fmt.Errorf("KESSAI_JWT_SECRET must be set: %w", err)
			}
			token, err := verifier.Issue(who, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(c.out, token)
			return nil
		},
	}
	cmd.Flags().StringVar(&who.IssuerDN, "issuer", "", "issuer DN of the administrator certificate")
	cmd.Flags().StringVar(&who.Serial, "serial", "", "serial number (hex) of the administrator certificate")
	cmd.Flags().StringVar(&who.SubjectDN, "subject", "", "subject DN, for display")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("issuer")
	_ = cmd.MarkFlagRequired("serial")
	return cmd
}

func (c *cli) whoamiCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the identity the service sees",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			who, err := cl.WhoAmI(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(c.out, who)
			return nil
		},
	}
}

func versionCommand(out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			fmt.Fprintln(out, "kessaictl", version.Info())
			return nil
		},
	}
}
