package cli

import (
	"github.com/spf13/cobra"

	"github.com/fdub/tpm2-pkcs11/pkg/token"
)

var addcertCmd = &cobra.Command{
	Use:   "addcert <certfile>",
	Short: "Attach an X.509 certificate to a key",
	Long: `Record a PEM certificate against an existing private key in a
token. This only touches the object store; no PIN is needed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, cleanup, err := openSession()
		if err != nil {
			return err
		}
		defer cleanup()

		label, _ := cmd.Flags().GetString("label")
		keyLabel, _ := cmd.Flags().GetString("key-label")
		keyID, _ := cmd.Flags().GetString("key-id")

		res, err := sess.AddCert(token.CertOpts{
			TokenLabel: label,
			KeyLabel:   keyLabel,
			KeyID:      keyID,
		}, args[0])
		if err != nil {
			return err
		}
		return printYAML(res)
	},
}

func init() {
	addcertCmd.Flags().String("label", "", "token label (required)")
	addcertCmd.Flags().String("key-label", "", "label of the key the certificate belongs to")
	addcertCmd.Flags().String("key-id", "", "hex id of the key the certificate belongs to")
	_ = addcertCmd.MarkFlagRequired("label")

	rootCmd.AddCommand(addcertCmd)
}
