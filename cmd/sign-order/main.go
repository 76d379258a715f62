// Generates (or loads) a key, signs an example maker order with EIP-712, and
// prints the JSON body for POST /api/v1/orders.
package main

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"

	"github.com/sahdex/sahdex/pkg/crypto"
	"github.com/sahdex/sahdex/pkg/token"
)

func main() {
	var signer *crypto.Signer
	var err error
	if key := os.Getenv("PRIVATE_KEY"); key != "" {
		signer, err = crypto.FromPrivateKeyHex(key)
	} else {
		fmt.Println("Generating new keypair...")
		signer, err = crypto.GenerateKey()
	}
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Address: %s\n", signer.Address().Hex())
	fmt.Printf("Private Key: %s (KEEP SECRET!)\n\n", signer.PrivateKeyHex())

	// Example: give 10 SAH for 100 mETH.
	order := &crypto.OrderEIP712{
		TokenGet:   token.AddressFromSymbol("mETH"),
		AmountGet:  token.Units(100),
		TokenGive:  token.AddressFromSymbol("SAH"),
		AmountGive: token.Units(10),
		Nonce:      big.NewInt(1),
		Owner:      signer.Address(),
	}

	eip712 := crypto.NewEIP712Signer(crypto.DefaultDomain())
	signature, err := eip712.SignOrder(signer, order)
	if err != nil {
		fmt.Printf("Error signing: %v\n", err)
		os.Exit(1)
	}

	body := map[string]string{
		"tokenGet":   order.TokenGet.Hex(),
		"amountGet":  order.AmountGet.String(),
		"tokenGive":  order.TokenGive.Hex(),
		"amountGive": order.AmountGive.String(),
		"nonce":      order.Nonce.String(),
		"owner":      order.Owner.Hex(),
		"signature":  fmt.Sprintf("0x%x", signature),
	}
	out, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		fmt.Printf("Error marshaling JSON: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("POST /api/v1/orders body:")
	fmt.Println(string(out))

	recovered, err := eip712.RecoverOrderSigner(order, signature)
	if err != nil {
		fmt.Printf("Error verifying: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\nSignature valid: %v\n", recovered == signer.Address())
}
