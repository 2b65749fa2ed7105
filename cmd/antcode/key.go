package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/antcode/antcode/pkg/identity"
)

var (
	keyOS   string
	keyCIDR string
	keyTTL  time.Duration
)

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage worker install keys",
}

var keyNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Mint a one-time worker install key",
	Long: `Mint a one-time install key a new worker presents to register.
The key can be bound to an operating system and a source network; it is
consumed by the first successful registration.`,
	RunE: runKeyNew,
}

func init() {
	keyNewCmd.Flags().StringVar(&keyOS, "os", "", "bind the key to an operating system (linux, darwin, windows)")
	keyNewCmd.Flags().StringVar(&keyCIDR, "cidr", "", "bind the key to a source network (CIDR)")
	keyNewCmd.Flags().DurationVar(&keyTTL, "ttl", 24*time.Hour, "key validity window")
	keyCmd.AddCommand(keyNewCmd)
}

func runKeyNew(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	key, err := identity.NewInstallKey(keyOS, keyCIDR, keyTTL)
	if err != nil {
		return err
	}
	if err := st.CreateInstallKey(cmd.Context(), key); err != nil {
		return err
	}

	fmt.Printf("Install key: %s\n", key.Key)
	if key.OS != "" {
		fmt.Printf("  OS binding: %s\n", key.OS)
	}
	if key.SourceCIDR != "" {
		fmt.Printf("  Source binding: %s\n", key.SourceCIDR)
	}
	fmt.Printf("  Expires: %s\n", key.ExpiresAt.Format(time.RFC3339))
	return nil
}
