package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/fdub/tpm2-pkcs11/pkg/token"
	"github.com/fdub/tpm2-pkcs11/pkg/tpm"
)

// keyOptsFromFlags collects the flags every key ingestion command shares.
func keyOptsFromFlags(cmd *cobra.Command) token.KeyOpts {
	label, _ := cmd.Flags().GetString("label")
	keyLabel, _ := cmd.Flags().GetString("key-label")
	id, _ := cmd.Flags().GetString("id")
	alwaysAuth, _ := cmd.Flags().GetBool("attr-always-authenticate")
	hierarchyAuth, _ := cmd.Flags().GetString("hierarchy-auth")
	return token.KeyOpts{
		TokenLabel:    label,
		KeyLabel:      keyLabel,
		ID:            id,
		AlwaysAuth:    alwaysAuth,
		HierarchyAuth: hierarchyAuth,
		SOPIN:         pinFlag(cmd, "sopin"),
		UserPIN:       pinFlag(cmd, "userpin"),
	}
}

func addKeyIngestFlags(cmd *cobra.Command) {
	cmd.Flags().String("label", "", "token label (required)")
	cmd.Flags().String("key-label", "", "label for the new key")
	cmd.Flags().String("id", "", "key id (default 8 random bytes, hex)")
	cmd.Flags().Bool("attr-always-authenticate", false,
		"set CKA_ALWAYS_AUTHENTICATE on the private record")
	cmd.Flags().String("sopin", "", "security officer PIN")
	cmd.Flags().String("userpin", "", "user PIN")
	cmd.Flags().String("hierarchy-auth", "", "owner hierarchy authorization")
	_ = cmd.MarkFlagRequired("label")
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import an external private key into a token",
	Long: `Import external key material (a PEM private key, or a raw HMAC
key file) into a token. The key is brought under trust-anchor custody;
the cleartext material is not stored.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, cleanup, err := openSession()
		if err != nil {
			return err
		}
		defer cleanup()

		privkey, _ := cmd.Flags().GetString("privkey")
		alg, _ := cmd.Flags().GetString("algorithm")
		passin, _ := cmd.Flags().GetString("passin")

		res, err := sess.ImportKey(keyOptsFromFlags(cmd), privkey, alg, passin)
		if err != nil {
			return err
		}
		return printYAML(res)
	},
}

var addkeyCmd = &cobra.Command{
	Use:   "addkey",
	Short: "Create a new key under trust-anchor custody",
	Long: `Create a key inside the trust anchor and record it in a token.
Supported algorithms: ` + strings.Join(tpm.Algs, ", ") + `.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, cleanup, err := openSession()
		if err != nil {
			return err
		}
		defer cleanup()

		alg, _ := cmd.Flags().GetString("algorithm")
		res, err := sess.AddKey(keyOptsFromFlags(cmd), alg)
		if err != nil {
			return err
		}
		return printYAML(res)
	},
}

var linkCmd = &cobra.Command{
	Use:   "link [handle | keyfile | pubblob privblob]",
	Short: "Link an existing trust-anchor key into a token",
	Long: `Adopt a key that already lives under the trust anchor: a
persistent handle, a TSS2 PEM key descriptor, or an explicit
public/private blob pair.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, cleanup, err := openSession()
		if err != nil {
			return err
		}
		defer cleanup()

		auth, _ := cmd.Flags().GetString("auth")
		res, err := sess.LinkKey(keyOptsFromFlags(cmd), args, auth)
		if err != nil {
			return err
		}
		return printYAML(res)
	},
}

func init() {
	for _, cmd := range []*cobra.Command{importCmd, addkeyCmd, linkCmd} {
		addKeyIngestFlags(cmd)
	}

	importCmd.Flags().String("privkey", "", "key material file (required)")
	importCmd.Flags().String("algorithm", "",
		"key algorithm: rsa, ecc, hmac[:sha1|sha256|sha384|sha512] (default inferred)")
	importCmd.Flags().String("passin", "",
		"pass phrase source for encrypted keys (pass:, env:, file:)")
	_ = importCmd.MarkFlagRequired("privkey")

	addkeyCmd.Flags().String("algorithm", "",
		"key algorithm: "+strings.Join(tpm.Algs, ", ")+" (required)")
	_ = addkeyCmd.MarkFlagRequired("algorithm")

	linkCmd.Flags().String("auth", "", "authorization value of the linked key")

	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(addkeyCmd)
	rootCmd.AddCommand(linkCmd)
}
