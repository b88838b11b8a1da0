//go:build tpm_simulator

package tpm

import (
	"fmt"

	"github.com/google/go-tpm-tools/simulator"
	"github.com/google/go-tpm/tpm2/transport"

	"github.com/fdub/tpm2-pkcs11/pkg/logging"
)

// OpenSimulator opens an embedded software TPM with a fixed seed, so
// tests see the same hierarchy seeds on every run.
func OpenSimulator(logger *logging.Logger) (*TPM, func() error, error) {
	sim, err := simulator.GetWithFixedSeedInsecure(1234567890)
	if err != nil {
		return nil, nil, fmt.Errorf("tpm: open simulator: %w", err)
	}
	return New(transport.FromReadWriter(sim), logger), sim.Close, nil
}
