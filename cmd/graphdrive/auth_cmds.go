package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/graphdrive/graphdrive/auth"
)

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Authenticate with the device code flow",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := auth.Login(cmd.Context(), cfg.TokenPath, func(da auth.DeviceAuth) {
				fmt.Printf("To sign in, visit %s and enter the code %s\n",
					da.VerificationURI, da.UserCode)
			}, slog.Default())
			if err != nil {
				return err
			}

			fmt.Println("Login successful.")

			return nil
		},
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the saved credentials",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := auth.RemoveFile(cfg.TokenPath); err != nil {
				return err
			}

			fmt.Println("Logged out.")

			return nil
		},
	}
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the current login state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := auth.LoadFile(cfg.TokenPath)
			if err != nil {
				return err
			}

			if st == nil {
				fmt.Println("Not logged in.")
				os.Exit(1)
			}

			fmt.Printf("Logged in (token expires %s)\n", st.ExpiresAt.Local().Format("2006-01-02 15:04"))

			client, err := buildClient()
			if err != nil {
				return err
			}
			defer client.Close()

			info, err := client.About(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Printf("Drive:  %s (%s)\n", info.ID, info.DriveType)

			if info.OwnerName != "" {
				fmt.Printf("Owner:  %s\n", info.OwnerName)
			}

			return nil
		},
	}
}
