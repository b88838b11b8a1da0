package cli

import (
	"github.com/spf13/cobra"

	"github.com/fdub/tpm2-pkcs11/pkg/token"
)

var objmodCmd = &cobra.Command{
	Use:   "objmod [attrs-file]",
	Short: "Inspect or modify an object's attribute record",
	Long: `Without further arguments, dump the attribute record of the
object. With --key, dump one attribute; with --key and --value, set it.
A positional YAML file replaces the whole record.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, cleanup, err := openSession()
		if err != nil {
			return err
		}
		defer cleanup()

		id, _ := cmd.Flags().GetInt("id")
		key, _ := cmd.Flags().GetString("key")
		value, _ := cmd.Flags().GetString("value")
		typ, _ := cmd.Flags().GetString("type")

		opts := token.ModifyOpts{ID: id, Key: key, Value: value, Type: typ}
		if len(args) == 1 {
			opts.File = args[0]
		}
		view, err := sess.ModifyObject(opts)
		if err != nil {
			return err
		}
		return printYAML(view)
	},
}

var objdelCmd = &cobra.Command{
	Use:   "objdel",
	Short: "Delete an object record",
	Long: `Delete one object record from the store. Deleting one half of an
asymmetric pair does not remove the other half.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, cleanup, err := openSession()
		if err != nil {
			return err
		}
		defer cleanup()

		id, _ := cmd.Flags().GetInt("id")
		return sess.DeleteObject(id)
	},
}

func init() {
	objmodCmd.Flags().Int("id", 0, "object id (required)")
	objmodCmd.Flags().String("key", "", "attribute name or number")
	objmodCmd.Flags().String("value", "", "new attribute value")
	objmodCmd.Flags().String("type", "", "value type: int, str, bool or raw")
	_ = objmodCmd.MarkFlagRequired("id")

	objdelCmd.Flags().Int("id", 0, "object id (required)")
	_ = objdelCmd.MarkFlagRequired("id")

	rootCmd.AddCommand(objmodCmd)
	rootCmd.AddCommand(objdelCmd)
}
