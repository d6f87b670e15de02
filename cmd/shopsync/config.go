package main

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/mmcdole/shopsync/internal/adapter"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "data",
	Short:   "Create or locate the config file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with default settings",
	Long: `Write a config file holding every default setting plus the API base URL
and token. The base URL is prompted for when --base-url is not given. An
existing file is left alone unless --force is set.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		baseURL, _ := cmd.Flags().GetString("base-url")
		token, _ := cmd.Flags().GetString("token")
		force, _ := cmd.Flags().GetBool("force")

		for strings.TrimSpace(baseURL) == "" {
			fmt.Print("Enter the shop API base URL (e.g., https://shop.example.com): ")
			input, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil {
				return fmt.Errorf("failed to read input: %w", err)
			}
			baseURL = input
		}

		path, err := initConfig(configPath, baseURL, token, force)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Configuration saved to %s\n", path)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file location",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(adapter.ConfigFile(configPath))
	},
}

// initConfig writes the default configuration with the given API settings and
// returns the file it wrote.
func initConfig(path, baseURL, token string, force bool) (string, error) {
	path = adapter.ConfigFile(path)
	if !force {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("%s already exists; use --force to overwrite it", path)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("failed to check config file: %w", err)
		}
	}

	cfg := adapter.DefaultConfig()
	cfg.API.BaseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	cfg.API.Token = strings.TrimSpace(token)
	if !cfg.IsConfigured() {
		return "", fmt.Errorf("api base URL is required")
	}

	if err := adapter.SaveConfig(cfg, path); err != nil {
		return "", err
	}
	return path, nil
}

func init() {
	configInitCmd.Flags().String("base-url", "", "Shop API base URL")
	configInitCmd.Flags().String("token", "", "API bearer token")
	configInitCmd.Flags().BoolP("force", "f", false, "Overwrite an existing config file")
	configCmd.AddCommand(configInitCmd, configPathCmd)

	rootCmd.AddCommand(configCmd)
}
