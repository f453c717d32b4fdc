package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"agent-wallet-core/pkg/keystore"
	"agent-wallet-core/pkg/kms"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/term"
)

var keystoreCmd = &cobra.Command{
	Use:   "keystore",
	Short: "Manage the encrypted wallet file",
}

var keystoreCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Encrypt a private key or mnemonic into a keystore file",
	Long: `Reads the secret and a password from the terminal (or generates a fresh
secret with --generate) and writes an scrypt/AES-GCM keystore that the
server loads through wallet.keystore_path and WALLET_PASSWORD.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		kindFlag, _ := cmd.Flags().GetString("kind")
		generate, _ := cmd.Flags().GetBool("generate")
		light, _ := cmd.Flags().GetBool("light")
		path, _ := cmd.Flags().GetString("path")
		out := cmd.OutOrStdout()

		if _, err := os.Stat(output); err == nil {
			return fmt.Errorf("%s already exists", output)
		}

		kind := keystore.SecretKind(strings.ReplaceAll(kindFlag, "-", "_"))
		var secret string
		var err error
		switch {
		case generate:
			secret, err = generateSecret(kind)
		case kind == keystore.KindMnemonic:
			secret, err = prompt(out, "Mnemonic: ")
		case kind == keystore.KindPrivateKey:
			secret, err = prompt(out, "Private key (hex): ")
		default:
			err = fmt.Errorf("unknown kind %q", kindFlag)
		}
		if err != nil {
			return err
		}
		if kind == keystore.KindPrivateKey {
			secret = strings.TrimPrefix(secret, "0x")
		}

		signer, err := signerFor(kind, secret, path)
		if err != nil {
			return err
		}

		password, err := prompt(out, "Password: ")
		if err != nil {
			return err
		}
		confirm, err := prompt(out, "Confirm password: ")
		if err != nil {
			return err
		}
		if password != confirm {
			return errors.New("passwords do not match")
		}
		if len(password) < 8 {
			return errors.New("password must be at least 8 characters")
		}

		params := keystore.StandardParams
		if light {
			params = keystore.LightParams
		}
		ks, err := keystore.Encrypt(kind, secret, password, params)
		if err != nil {
			return err
		}
		ks.Address = signer.Address()
		if err := ks.SaveToFile(output); err != nil {
			return err
		}

		fmt.Fprintf(out, "keystore written: %s\n", output)
		fmt.Fprintf(out, "address: %s\n", signer.Address())
		fmt.Fprintf(out, "id: %s\n", ks.Id)
		if generate && kind == keystore.KindMnemonic {
			fmt.Fprintln(out, "\nBack up this mnemonic now; it is not shown again:")
			fmt.Fprintln(out, secret)
		}
		return nil
	},
}

var keystoreInspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Show the public metadata of a keystore without decrypting it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ks, err := keystore.LoadFromFile(args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "id: %s\nkind: %s\naddress: %s\nkdf: %s (n=%d)\n",
			ks.Id, ks.Kind, ks.Address, ks.Crypto.KDF, ks.Crypto.KDFParams.N)
		return nil
	},
}

func generateSecret(kind keystore.SecretKind) (string, error) {
	switch kind {
	case keystore.KindMnemonic:
		entropy, err := bip39.NewEntropy(128)
		if err != nil {
			return "", err
		}
		return bip39.NewMnemonic(entropy)
	case keystore.KindPrivateKey:
		key, err := crypto.GenerateKey()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%x", crypto.FromECDSA(key)), nil
	default:
		return "", fmt.Errorf("unknown kind %q", kind)
	}
}

func signerFor(kind keystore.SecretKind, secret, path string) (kms.Signer, error) {
	if kind == keystore.KindMnemonic {
		return kms.NewLocalSignerFromMnemonic(secret, "", path)
	}
	return kms.NewLocalSignerFromHex(secret)
}

// prompt reads one line without echo.
func prompt(out io.Writer, label string) (string, error) {
	fmt.Fprint(out, label)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(out)
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

func init() {
	rootCmd.AddCommand(keystoreCmd)
	keystoreCmd.AddCommand(keystoreCreateCmd, keystoreInspectCmd)

	keystoreCreateCmd.Flags().StringP("output", "o", "wallet.json", "keystore file to write")
	keystoreCreateCmd.Flags().String("kind", "private-key", "secret kind: private-key or mnemonic")
	keystoreCreateCmd.Flags().Bool("generate", false, "generate a new secret instead of reading one")
	keystoreCreateCmd.Flags().Bool("light", false, "cheap scrypt parameters (testing only)")
	keystoreCreateCmd.Flags().String("path", kms.DefaultDerivationPath, "BIP-44 path for mnemonic secrets")
}
