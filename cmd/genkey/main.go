package main

import (
	"encoding/base64"
	"fmt"
	"os"

	"github.com/Wxyziii/P2P-ChatApp-sub000/internal/crypto"
)

func main() {
	id, err := crypto.GenerateIdentity()
	if err != nil {
		fmt.Fprintln(os.Stderr, "generating identity:", err)
		os.Exit(1)
	}

	fmt.Printf("Exchange public key (base64):  %s\n", base64.StdEncoding.EncodeToString(id.ExchangePub))
	fmt.Printf("Exchange private key (base64): %s\n", base64.StdEncoding.EncodeToString(id.ExchangePriv))
	fmt.Printf("Signing public key (base64):   %s\n", base64.StdEncoding.EncodeToString(id.SigningPub))
	fmt.Printf("Signing private key (base64):  %s\n", base64.StdEncoding.EncodeToString(id.SigningPriv))
}
