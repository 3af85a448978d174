package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// Set via -ldflags at build time.
var (
	BuildVersion = "dev"
	BuildCommit  = "none"
	BuildDate    = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Long:  `Display the imgpull version, commit hash, and build date.`,
	Run: func(cmd *cobra.Command, args []string) {
		short, _ := cmd.Flags().GetBool("short")
		if short {
			fmt.Println(BuildVersion)
			return
		}
		bold := color.New(color.Bold)
		bold.Printf("imgpull %s\n", BuildVersion)
		fmt.Printf("commit:  %s\n", BuildCommit)
		fmt.Printf("built:   %s\n", BuildDate)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolP("short", "s", false, "show only the version number")
}
