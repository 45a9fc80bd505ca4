// mailforgectl 是本地运维命令行：批量生成、单次验证、凭据加密与令牌签发。
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "mailforgectl",
		Short: "Generate email identities and retrieve verification codes",
		Long: `
mailforgectl drives the same generator, storage and verification
backends as the server, configured through MAILFORGE_* environment
variables or a .env file.
`,
		SilenceUsage: true,
	}
	root.AddCommand(
		newBatchCommand(),
		newVerifyCommand(),
		newVaultCommand(),
		newTokenCommand(),
	)
	return root
}
