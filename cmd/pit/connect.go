package main

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	cliconfig "github.com/antonkrylov/pit/internal/cli/config"
	"github.com/antonkrylov/pit/internal/clierr"
)

func newConnectCmd(root *rootOptions) *cobra.Command {
	var caPath string
	var here bool
	var saveContext string
	cmd := &cobra.Command{
		Use:   "connect <url>",
		Short: "Remember the platform URL (and CA) for later invocations",
		Long: "Write " + cliconfig.ConnectFileName + " to the home directory (or the working directory with --here).\n" +
			"With --save-context the URL is stored as a context in the config file instead.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base := strings.TrimRight(strings.TrimSpace(args[0]), "/")
			u, err := url.Parse(base)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return clierr.Invalid(args[0], "expected an http(s) URL")
			}
			var ca []byte
			if caPath != "" {
				if ca, err = os.ReadFile(caPath); err != nil {
					return err
				}
			}

			if saveContext != "" {
				return saveConfigContext(root, saveContext, base, caPath)
			}

			path := cliconfig.ConnectFileName
			if !here {
				home, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				path = filepath.Join(home, cliconfig.ConnectFileName)
			}
			cf := &cliconfig.ConnectFile{URL: base, CA: ca}
			if err := cf.Save(path); err != nil {
				return err
			}
			root.logger.Debug("wrote connect file", "path", path, "ca", len(ca) > 0)
			printf(root.stdout, "Connected to %s (%s)\n", base, path)
			return nil
		},
	}
	cmd.Flags().StringVar(&caPath, "ca", "", "PEM file with the CA certificate of a self-signed platform")
	cmd.Flags().BoolVar(&here, "here", false, "write the connect file to the working directory")
	cmd.Flags().StringVar(&saveContext, "save-context", "", "store the URL as this context in the config file and make it current")
	return cmd
}

func saveConfigContext(root *rootOptions, name, base, caPath string) error {
	cfg, err := cliconfig.Load(root.configPath)
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = &cliconfig.Config{}
	}
	if cfg.Contexts == nil {
		cfg.Contexts = map[string]*cliconfig.Context{}
	}
	ctx := cfg.Contexts[name]
	if ctx == nil {
		ctx = &cliconfig.Context{}
		cfg.Contexts[name] = ctx
	}
	ctx.Server = base
	if caPath != "" {
		abs, err := filepath.Abs(caPath)
		if err != nil {
			return err
		}
		ctx.CAFile = abs
	}
	cfg.CurrentContext = name
	if err := cfg.Save(root.configPath); err != nil {
		return err
	}
	printf(root.stdout, "Connected to %s (context %s in %s)\n", base, name, root.configPath)
	return nil
}
