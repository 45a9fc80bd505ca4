package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/vault"
)

const passphraseEnv = "MAILFORGE_VAULT_PASSPHRASE"

func newVaultCommand() *cobra.Command {
	var saltFile string
	command := &cobra.Command{
		Use:   "vault",
		Short: "Manage the credential vault",
	}
	command.PersistentFlags().StringVar(&saltFile, "salt-file", envOr("MAILFORGE_VAULT_SALT_FILE", "mailforge.salt"), "path of the key derivation salt")

	salt := &cobra.Command{
		Use:   "salt",
		Short: "Create the salt file if it does not exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := vault.LoadOrCreateSalt(saltFile); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "salt ready at %s\n", saltFile)
			return nil
		},
	}

	encrypt := &cobra.Command{
		Use:   "encrypt kind",
		Short: "Encrypt a secret read from stdin into a v1: envelope",
		Long: `
Reads one line from stdin and prints the encrypted envelope to use as
MAILFORGE_IMAP_PASSWORD, MAILFORGE_POP3_PASSWORD or MAILFORGE_TEMPMAIL_TOKEN.
The passphrase comes from ` + passphraseEnv + `.

    printf '%s' "$SECRET" | mailforgectl vault encrypt imap_password

kind is one of imap_password, pop_password or api_token.
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := domain.CredentialKind(args[0])
			if !kind.Valid() {
				return fmt.Errorf("unknown credential kind %q", args[0])
			}
			passphrase := os.Getenv(passphraseEnv)
			if passphrase == "" {
				return errors.New(passphraseEnv + " is not set")
			}
			secret, err := readSecret(cmd.InOrStdin())
			if err != nil {
				return err
			}

			session, err := vault.OpenFile([]byte(passphrase), saltFile)
			if err != nil {
				return err
			}
			defer func() { _ = session.Close() }()

			cred, err := session.Encrypt(kind, secret)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cred.String())
			return nil
		},
	}

	command.AddCommand(salt, encrypt)
	return command
}

// readSecret 读取第一行，去掉行尾换行
func readSecret(r io.Reader) ([]byte, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read secret: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return nil, errors.New("empty secret on stdin")
	}
	return []byte(line), nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
