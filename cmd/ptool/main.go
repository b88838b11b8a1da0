package main

import (
	"os"

	"github.com/fdub/tpm2-pkcs11/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
