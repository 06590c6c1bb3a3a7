package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/alexedwards/argon2id"
	"github.com/spf13/cobra"
)

// passwordHashParams follows the OWASP minimum for Argon2id.
var passwordHashParams = &argon2id.Params{
	Memory:      47 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

var hashPasswordStdin bool

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password [password]",
	Short: "Generate an Argon2id hash for the admin password",
	Long: `Generate an Argon2id hash for use in admin.password_hash.

Example:
  posguard hash-password "correct horse battery staple"
  # Output: $argon2id$v=19$m=48128,t=1,p=1$...

Security note: The password will appear in shell history.
Use --stdin to read it from standard input instead:
  printf '%s' "$ADMIN_PASSWORD" | posguard hash-password --stdin`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := passwordInput(args, hashPasswordStdin, cmd.InOrStdin())
		if err != nil {
			return err
		}
		hash, err := hashPassword(password)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func init() {
	hashPasswordCmd.Flags().BoolVar(&hashPasswordStdin, "stdin", false, "Read the password from standard input")
	rootCmd.AddCommand(hashPasswordCmd)
}

func passwordInput(args []string, fromStdin bool, in io.Reader) (string, error) {
	if fromStdin {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("read password: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return "", errors.New("empty password on stdin")
		}
		return line, nil
	}
	if len(args) == 0 || args[0] == "" {
		return "", errors.New("password argument required (or use --stdin)")
	}
	return args[0], nil
}

func hashPassword(password string) (string, error) {
	hash, err := argon2id.CreateHash(password, passwordHashParams)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return hash, nil
}
