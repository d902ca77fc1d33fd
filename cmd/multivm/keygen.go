package main

import (
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"github.com/fortiblox/multivm/pkg/codec"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a secp256k1 key and its EVM address",
	RunE: func(cmd *cobra.Command, _ []string) error {
		key, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		pub := codec.CompressedPublicKey(key)
		addr, err := codec.AddressFromPublicKey(pub)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "private_key: %s\n", hex.EncodeToString(crypto.FromECDSA(key)))
		fmt.Fprintf(out, "public_key:  %s\n", hex.EncodeToString(pub))
		fmt.Fprintf(out, "evm_address: %s\n", addr)
		return nil
	},
}
