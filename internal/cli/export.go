package cli

import (
	"github.com/spf13/cobra"

	"github.com/fdub/tpm2-pkcs11/pkg/token"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export an object's key material",
	Long: `Export an object addressed by --id, or by --label and
--key-label. Private keys render as a TSS2 PEM descriptor (PIN required)
or, with --format tpm2, as the raw blob pair; public keys render as a
SubjectPublicKeyInfo PEM without a PIN; secret keys only as blobs.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetInt("id")
		label, _ := cmd.Flags().GetString("label")
		keyLabel, _ := cmd.Flags().GetString("key-label")
		format, _ := cmd.Flags().GetString("format")
		output, _ := cmd.Flags().GetString("output-prefix")
		hierarchyAuth, _ := cmd.Flags().GetString("hierarchy-auth")

		sess, cleanup, err := openSession()
		if err != nil {
			return err
		}
		defer cleanup()

		paths, err := sess.Export(token.ExportOpts{
			ID:            id,
			TokenLabel:    label,
			KeyLabel:      keyLabel,
			Format:        format,
			Output:        output,
			HierarchyAuth: hierarchyAuth,
			SOPIN:         pinFlag(cmd, "sopin"),
			UserPIN:       pinFlag(cmd, "userpin"),
		})
		if err != nil {
			return err
		}
		return printYAML(map[string]any{
			"action": "export",
			"paths":  paths,
		})
	},
}

func init() {
	exportCmd.Flags().Int("id", 0, "object id")
	exportCmd.Flags().String("label", "", "token label")
	exportCmd.Flags().String("key-label", "", "key label")
	exportCmd.Flags().String("format", "auto", "output format: auto, pem or tpm2 (auto picks per object class)")
	exportCmd.Flags().String("output-prefix", "", "output path prefix (default key label or id)")
	exportCmd.Flags().String("sopin", "", "security officer PIN")
	exportCmd.Flags().String("userpin", "", "user PIN")
	exportCmd.Flags().String("hierarchy-auth", "", "owner hierarchy authorization")

	rootCmd.AddCommand(exportCmd)
}
