// Package cli is the ptool command tree. Commands validate arguments,
// open a store/anchor session and delegate to pkg/token; error kinds map
// to exit codes here and nowhere else.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fdub/tpm2-pkcs11/pkg/logging"
	"github.com/fdub/tpm2-pkcs11/pkg/store"
	"github.com/fdub/tpm2-pkcs11/pkg/token"
	"github.com/fdub/tpm2-pkcs11/pkg/tpm"
)

var rootCmd = &cobra.Command{
	Use:   "ptool",
	Short: "Manage a TPM-custodied PKCS#11 token store",
	Long: `ptool manages the object store consumed by the PKCS#11 provider
library: it brings keys under trust-anchor custody (import, addkey,
link), attaches certificates, exports key material and edits object
attribute records.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command tree and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitCode(err)
	}
	return 0
}

// exitCode maps error kinds to exit codes. Anything unclassified is a
// generic failure.
func exitCode(err error) int {
	switch token.KindOf(err) {
	case token.KindUsage:
		return 2
	case token.KindAuth:
		return 3
	case token.KindLookup:
		return 4
	case token.KindConfig:
		return 5
	case token.KindFormat:
		return 6
	case token.KindNotSupported:
		return 7
	default:
		return 1
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("path", "",
		"directory holding the token store (default $HOME/.tpm2_pkcs11)")
	rootCmd.PersistentFlags().String("device", "",
		"trust anchor device (default /dev/tpmrm0)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging")

	_ = viper.BindPFlag("store-path", rootCmd.PersistentFlags().Lookup("path"))
	_ = viper.BindPFlag("device", rootCmd.PersistentFlags().Lookup("device"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func newLogger(conf *Config) *logging.Logger {
	return logging.NewLogger(conf.Verbose)
}

// lazyAnchor defers opening the anchor device until a command actually
// issues an anchor operation, so metadata-only invocations never touch
// the device.
type lazyAnchor struct {
	path   string
	logger *logging.Logger
	t      *tpm.TPM
	closer func() error
}

func (l *lazyAnchor) open() (tpm.Anchor, error) {
	if l.t == nil {
		t, closer, err := tpm.Open(l.path, l.logger)
		if err != nil {
			return nil, token.WrapErr(token.KindAnchor, err, "open anchor device %s", l.path)
		}
		l.t, l.closer = t, closer
	}
	return l.t, nil
}

func (l *lazyAnchor) close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer()
}

func (l *lazyAnchor) Primary(ref tpm.PrimaryRef) (tpm.Object, func(), error) {
	a, err := l.open()
	if err != nil {
		return tpm.Object{}, nil, err
	}
	return a.Primary(ref)
}

func (l *lazyAnchor) Load(parent tpm.Object, parentAuth string, priv, pub []byte) (tpm.Object, func(), error) {
	a, err := l.open()
	if err != nil {
		return tpm.Object{}, nil, err
	}
	return a.Load(parent, parentAuth, priv, pub)
}

func (l *lazyAnchor) Unseal(obj tpm.Object, auth string) ([]byte, error) {
	a, err := l.open()
	if err != nil {
		return nil, err
	}
	return a.Unseal(obj, auth)
}

func (l *lazyAnchor) Create(parent tpm.Object, parentAuth, objAuth, alg string) (*tpm.KeyBlobs, error) {
	a, err := l.open()
	if err != nil {
		return nil, err
	}
	return a.Create(parent, parentAuth, objAuth, alg)
}

func (l *lazyAnchor) ImportKey(parent tpm.Object, parentAuth, objAuth string, key *tpm.ExternalKey, attrs tpm.ObjectAttrs) (*tpm.KeyBlobs, error) {
	a, err := l.open()
	if err != nil {
		return nil, err
	}
	return a.ImportKey(parent, parentAuth, objAuth, key, attrs)
}

func (l *lazyAnchor) ReadPublic(obj tpm.Object) (*tpm.PublicInfo, []byte, error) {
	a, err := l.open()
	if err != nil {
		return nil, nil, err
	}
	return a.ReadPublic(obj)
}

func (l *lazyAnchor) ReadPublicHandle(handle uint32) (*tpm.PublicInfo, []byte, tpm.Object, error) {
	a, err := l.open()
	if err != nil {
		return nil, nil, tpm.Object{}, err
	}
	return a.ReadPublicHandle(handle)
}

// openSession builds the per-invocation session. The anchor device opens
// lazily on first use.
func openSession() (*token.Session, func(), error) {
	conf, err := getConfig()
	if err != nil {
		return nil, nil, token.WrapErr(token.KindUsage, err, "load configuration")
	}
	logger := newLogger(conf)

	st, err := store.Open(conf.StorePath)
	if err != nil {
		return nil, nil, token.WrapErr(token.KindStore, err, "open store in %s", conf.StorePath)
	}

	anchor := &lazyAnchor{path: conf.Device, logger: logger}

	sess, err := token.NewSession(st, anchor, logger)
	if err != nil {
		st.Close()
		return nil, nil, err
	}

	cleanup := func() {
		sess.Close()
		if err := anchor.close(); err != nil {
			logger.Warnf("close anchor: %v", err)
		}
		if err := st.Close(); err != nil {
			logger.Warnf("close store: %v", err)
		}
	}
	return sess, cleanup, nil
}

// pinFlag returns the flag value as a pointer, nil when the flag was not
// given. Commands distinguish an absent PIN from an empty one.
func pinFlag(cmd *cobra.Command, name string) *string {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	v, _ := cmd.Flags().GetString(name)
	return &v
}
