package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/smart-on-fhir/smart-launcher-v2-sub000/internal/launch"
)

func launchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Build and inspect launch tokens",
	}
	cmd.AddCommand(launchEncodeCmd())
	cmd.AddCommand(launchDecodeCmd())
	return cmd
}

func launchEncodeCmd() *cobra.Command {
	var (
		cfg        launch.Config
		launchType string
		pkce       string
	)

	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Print a launch token for the given launch parameters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := launch.ParseType(launchType)
			if err != nil {
				return err
			}
			cfg.LaunchType = t

			switch m := launch.PKCEMode(pkce); m {
			case launch.PKCEAuto, launch.PKCEAlways, launch.PKCENone:
				cfg.PKCE = m
			default:
				return fmt.Errorf("invalid pkce mode %q (want auto, always or none)", pkce)
			}

			fmt.Fprintln(cmd.OutOrStdout(), launch.Encode(cfg))
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&launchType, "launch-type", string(launch.ProviderEHR), "launch type")
	f.StringVar(&cfg.Patient, "patient", "", "comma separated patient IDs")
	f.StringVar(&cfg.Provider, "provider", "", "comma separated provider IDs")
	f.StringVar(&cfg.Encounter, "encounter", "", "encounter ID, AUTO or MANUAL")
	f.BoolVar(&cfg.SkipLogin, "skip-login", false, "skip the login screens")
	f.BoolVar(&cfg.SkipAuth, "skip-auth", false, "skip the consent screen")
	f.BoolVar(&cfg.SimEHR, "sim-ehr", false, "open the app inside the simulated EHR")
	f.StringVar(&cfg.Scope, "scope", "", "scopes a backend service client may request")
	f.StringVar(&cfg.RedirectURIs, "redirect-uris", "", "comma separated allowed redirect URIs")
	f.StringVar(&cfg.ClientID, "client-id", "", "required client_id")
	f.StringVar(&cfg.ClientSecret, "client-secret", "", "client secret for confidential clients")
	f.StringVar(&cfg.AuthError, "auth-error", "", "simulated error to trigger")
	f.StringVar(&cfg.JWKSURL, "jwks-url", "", "URL of the client's JWK set")
	f.StringVar(&cfg.JWKS, "jwks", "", "inline JWK set as JSON")
	f.StringVar(&pkce, "pkce", string(launch.PKCEAuto), "PKCE mode: auto, always or none")

	return cmd
}

func launchDecodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode <token>",
		Short: "Print the launch parameters carried by a launch token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := launch.Decode(args[0])
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}
