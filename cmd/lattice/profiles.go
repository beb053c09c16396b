package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lexsight/lattice/pkg/config"
)

func newProfilesCmd(app *appContext) *cobra.Command {
	var (
		configPath string
		engOpts    engineOptions
	)

	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "List and validate the profiles in a configuration file",
		Long: `Profiles loads the configuration file, resolves every constraint in each
profile against the registry, and prints a summary. A profile that names an
unknown constraint kind or carries invalid parameters is reported without
aborting the listing.`,
		Example: `  lattice profiles -c profiles.yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			profiles, err := config.LoadProfiles(configPath)
			if err != nil {
				return err
			}

			executor, err := buildExecutor(app.logger, engOpts)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			invalid := 0
			for _, name := range profiles.Names() {
				profile, err := profiles.Get(name)
				if err != nil {
					return err
				}

				fmt.Fprintf(out, "%s  (%d constraints, max_passes=%d, fingerprint=%s)\n",
					profile.Name, len(profile.Constraints), profile.MaxPasses, profile.Fingerprint()[:12])
				for _, spec := range profile.Constraints {
					if op := spec.Op(); op != spec.ID {
						fmt.Fprintf(out, "  - %-20s %s/%s\n", spec.ID, spec.Kind, op)
						continue
					}
					fmt.Fprintf(out, "  - %-20s %s\n", spec.ID, spec.Kind)
				}

				if err := executor.Preflight(profile.Request("preflight", "", nil)); err != nil {
					invalid++
					fmt.Fprintf(out, "  ! %v\n", err)
				}
			}
			fmt.Fprintf(out, "%d profiles in %s, %d invalid\n", profiles.Len(), profiles.Source(), invalid)

			if invalid > 0 {
				return &exitStatusError{
					code:   exitError,
					reason: fmt.Sprintf("%d of %d profiles failed preflight", invalid, profiles.Len()),
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the profiles configuration file")
	registerEngineFlags(cmd, &engOpts)
	_ = cmd.MarkFlagRequired("config")

	return cmd
}
