package main

import (
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	cliconfig "github.com/antonkrylov/pit/internal/cli/config"
	"github.com/antonkrylov/pit/internal/client"
)

func newDoctorCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Print local diagnostic information for troubleshooting",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := root.stdout
			exe, _ := os.Executable()
			exe = strings.TrimSpace(exe)
			look, _ := exec.LookPath("pit")
			look = strings.TrimSpace(look)

			printf(out, "pit_version=%s\n", version)
			printf(out, "pit_executable=%s\n", exe)
			if look != "" {
				printf(out, "pit_on_path=%s\n", look)
			}
			if exe != "" && look != "" {
				absExe, _ := filepath.EvalSymlinks(exe)
				absLook, _ := filepath.EvalSymlinks(look)
				if absExe != "" && absLook != "" && absExe != absLook {
					printf(out, "warning=you_are_not_running_the_same_pit_as_on_PATH (adjust PATH or call the intended binary explicitly)\n")
				}
			}

			for _, name := range []string{cliconfig.ConnectFileName, cliconfig.UserFileName} {
				p, ok := cliconfig.FindLegacyFile(name)
				if ok {
					printf(out, "legacy_file=%s\n", p)
				}
			}

			printf(out, "config_path=%s\n", root.configPath)
			cfg, err := cliconfig.Load(root.configPath)
			switch {
			case err != nil:
				printf(out, "config_error=%s\n", err.Error())
			case cfg == nil:
				printf(out, "config_present=false\n")
			default:
				printf(out, "config_present=true\n")
				printf(out, "current_context=%s\n", strings.TrimSpace(cfg.CurrentContext))
				names := make([]string, 0, len(cfg.Contexts))
				for k := range cfg.Contexts {
					names = append(names, k)
				}
				sort.Strings(names)
				for _, name := range names {
					c := cfg.Contexts[name]
					if c == nil {
						continue
					}
					printf(out, "context=%s server=%s ca=%s timeout=%d\n",
						name,
						strings.TrimSpace(c.Server),
						strings.TrimSpace(c.CAFile),
						c.TimeoutSeconds,
					)
				}
			}

			conn, err := client.ResolveConnection(client.Options{
				URL:         root.url,
				ConfigPath:  root.configPath,
				ContextName: root.contextName,
				Timeout:     root.timeout,
			})
			if err != nil {
				printf(out, "connection_error=%s\n", err.Error())
				return nil
			}
			printf(out, "url=%s source=%s custom_ca=%t\n", conn.BaseURL, conn.Source, len(conn.CA) > 0)
			_, statErr := os.Stat(conn.UserFile)
			printf(out, "user_file=%s present=%t\n", conn.UserFile, statErr == nil)
			return nil
		},
	}
	return cmd
}
