// Package cli implements kessaictl, the operator command line for the
// approval service.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Treynis/ejbca/internal/kessai/client"
)

const envPrefix = "KESSAICTL"

// Config keys.
const (
	keyConfig = "config"
	keyServer = "server"
	keyToken  = "token"
	keyOutput = "output"
)

type cli struct {
	v   *viper.Viper
	out io.Writer
	// newClient is replaced in tests.
	newClient func(server, token string) (*client.Client, error)
}

// NewRootCommand builds the kessaictl command tree writing to out.
func NewRootCommand(out io.Writer) *cobra.Command {
	c := &cli{
		v:   viper.New(),
		out: out,
		newClient: func(server, token string) (*client.Client, error) {
			return client.New(server, token)
		},
	}

	root := &cobra.Command{
		Use:   "kessaictl",
		Short: "Operate the CA approval service",
		Long: `kessaictl lists approval requests, casts votes and manages the runtime
settings of the approval service over its HTTP API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.initConfig()
		},
	}
	root.SetOut(out)

	flags := root.PersistentFlags()
	flags.StringP(keyConfig, "c", "", "config file (default is $HOME/.config/kessai/kessaictl.yaml)")
	flags.String(keyServer, "http://127.0.0.1:8080", "approval service base URL")
	flags.String(keyToken, "", "bearer token (prefer KESSAICTL_TOKEN)")
	flags.StringP(keyOutput, "o", "table", "output format: table or json")
	for _, key := range []string{keyConfig, keyServer, keyToken, keyOutput} {
		_ = c.v.BindPFlag(key, flags.Lookup(key))
	}

	root.AddCommand(
		c.casesCommand(),
		c.approveCommand(),
		c.rejectCommand(),
		c.submitCommand(),
		c.editCommand(),
		c.configCommand(),
		c.tokenCommand(),
		c.whoamiCommand(),
		versionCommand(out),
	)
	return root
}

// Execute runs kessaictl with os.Args.
func Execute(ctx context.Context) error {
	return NewRootCommand(os.Stdout).ExecuteContext(ctx)
}

func (c *cli) initConfig() error {
	c.v.SetEnvPrefix(envPrefix)
	c.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	c.v.AutomaticEnv()

	if file := c.v.GetString(keyConfig); file != "" {
		c.v.SetConfigFile(file)
		if err := c.v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config %s: %w", file, err)
		}
		return nil
	}

	c.v.SetConfigName("kessaictl")
	c.v.SetConfigType("yaml")
	if home, err := os.UserHomeDir(); err == nil {
		c.v.AddConfigPath(filepath.Join(home, ".config", "kessai"))
	}
	c.v.AddConfigPath(".")
	if err := c.v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}
	return nil
}

func (c *cli) client() (*client.Client, error) {
	token := c.v.GetString(keyToken)
	if token == "" {
		return nil, fmt.Errorf("no token configured; set KESSAICTL_TOKEN or --token")
	}
	return c.newClient(c.v.GetString(keyServer), token)
}

func (c *cli) jsonOutput() bool {
	return strings.EqualFold(c.v.GetString(keyOutput), "json")
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
