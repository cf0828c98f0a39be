package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/servicefactory/internal/prompt"
)

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "Manage prompt templates",
}

var templatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the built-in prompt templates",
	Run: func(cmd *cobra.Command, args []string) {
		for _, name := range prompt.Names() {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
	},
}

var templatesInstallCmd = &cobra.Command{
	Use:   "install <dir>",
	Short: "Write the built-in templates into dir for editing",
	Long: `Write every built-in prompt template into dir. Existing files are left
untouched. Point --templates at dir to use the edited copies.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := prompt.Install(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Installed %d templates into %s\n", len(prompt.Names()), args[0])
		return nil
	},
}

func init() {
	templatesCmd.AddCommand(templatesListCmd)
	templatesCmd.AddCommand(templatesInstallCmd)
}
