/*
Copyright © 2026 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/apex/log"
	clihander "github.com/apex/log/handlers/cli"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blacktop/inferno/internal/patches"
	"github.com/blacktop/inferno/pkg/arm64"
	"github.com/blacktop/inferno/pkg/dyld"
	"github.com/blacktop/inferno/pkg/patcher"
)

var (
	cfgFile string
	// Verbose boolean flag for verbose logging
	Verbose bool
	// Color boolean flag for colorized output
	Color bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:           "inferno <DYLD_CACHE_PATH>",
	Short:         "Patch a dyld shared cache to make software rendering authoritative",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}
		color.NoColor = !viper.GetBool("color")

		dscPath := filepath.Clean(args[0])
		if _, err := os.Stat(dscPath); err != nil {
			return fmt.Errorf("file %s does not exist", dscPath)
		}

		a, err := dyld.NewAnalyser(dscPath)
		if err != nil {
			return err
		}

		// Always start from pristine bytes so repeated runs converge.
		log.Info("reverting bytes")
		for _, cache := range a.Caches {
			if err := patcher.Revert(cache.Path); err != nil {
				return fmt.Errorf("failed to revert %s: %w", cache.Path, err)
			}
		}
		log.Info("bytes reverted successfully")

		if viper.GetBool("revert") {
			return nil
		}

		p := patcher.New()
		asm := arm64.NewAssembler(p)

		log.Info("building patches")
		if err := patches.Apply(a, asm, p, patches.Options{
			UnredactLogs: viper.GetBool("unredact-logs"),
		}); err != nil {
			return err
		}
		log.Info("patches built successfully")

		p.PrintChanges()

		if viper.GetBool("dry-run") {
			return nil
		}

		if viper.GetBool("confirm") {
			var apply bool
			prompt := &survey.Confirm{
				Message: "Apply staged changes?",
				Default: true,
			}
			if err := survey.AskOne(prompt, &apply); err != nil {
				return err
			}
			if !apply {
				return nil
			}
		}

		log.Info("applying changes")
		if err := p.Commit(); err != nil {
			return err
		}
		log.Info("changes applied successfully")

		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}

func init() {
	log.SetHandler(clihander.Default)

	cobra.OnInitialize(initConfig)

	// Flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/inferno/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&Verbose, "verbose", "V", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&Color, "color", false, "colorize output")
	rootCmd.Flags().BoolP("revert", "r", false, "Revert bytes to the original state, without reapplying patches")
	rootCmd.Flags().BoolP("dry-run", "n", false, "Revert bytes and build patches, but do not apply the modifications")
	rootCmd.Flags().Bool("unredact-logs", false, "Patch libsystem_trace.dylib to unredact logs")
	rootCmd.Flags().Bool("confirm", false, "Ask before applying staged changes")
	rootCmd.MarkFlagsMutuallyExclusive("revert", "dry-run")
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("color", rootCmd.PersistentFlags().Lookup("color"))
	viper.BindPFlag("revert", rootCmd.Flags().Lookup("revert"))
	viper.BindPFlag("dry-run", rootCmd.Flags().Lookup("dry-run"))
	viper.BindPFlag("unredact-logs", rootCmd.Flags().Lookup("unredact-logs"))
	viper.BindPFlag("confirm", rootCmd.Flags().Lookup("confirm"))
	viper.BindEnv("color", "CLICOLOR")
	// Settings
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		// Search config in $HOME/.config/inferno with name "config" (yaml).
		viper.AddConfigPath(filepath.Join(home, ".config", "inferno"))
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("inferno")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}
