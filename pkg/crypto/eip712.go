package crypto

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EIP712Domain is the domain separator for typed-data signing. It prevents
// a signed order from being replayed against a different deployment.
type EIP712Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// DefaultDomain returns the exchange's signing domain.
func DefaultDomain() EIP712Domain {
	return EIP712Domain{
		Name:              "SahDEX",
		Version:           "1",
		ChainID:           big.NewInt(31337), // hardhat-style local chain
		VerifyingContract: common.Address{},
	}
}

// OrderEIP712 is the typed data a maker signs in their wallet to post an
// order: give AmountGive of TokenGive for AmountGet of TokenGet.
type OrderEIP712 struct {
	TokenGet   common.Address
	AmountGet  *big.Int
	TokenGive  common.Address
	AmountGive *big.Int
	Nonce      *big.Int // replay protection
	Owner      common.Address
}

// CancelEIP712 is the typed data a maker signs to cancel an order.
type CancelEIP712 struct {
	OrderID *big.Int
	Nonce   *big.Int
	Owner   common.Address
}

// EIP712Signer hashes and verifies typed data under a fixed domain.
type EIP712Signer struct {
	domain EIP712Domain
}

func NewEIP712Signer(domain EIP712Domain) *EIP712Signer {
	return &EIP712Signer{domain: domain}
}

var domainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

func (e *EIP712Signer) apiDomain() apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              e.domain.Name,
		Version:           e.domain.Version,
		ChainId:           (*math.HexOrDecimal256)(e.domain.ChainID),
		VerifyingContract: e.domain.VerifyingContract.Hex(),
	}
}

// HashOrder returns the EIP-712 digest a maker signs for an order.
func (e *EIP712Signer) HashOrder(order *OrderEIP712) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			"Order": []apitypes.Type{
				{Name: "tokenGet", Type: "address"},
				{Name: "amountGet", Type: "uint256"},
				{Name: "tokenGive", Type: "address"},
				{Name: "amountGive", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "owner", Type: "address"},
			},
		},
		PrimaryType: "Order",
		Domain:      e.apiDomain(),
		Message: apitypes.TypedDataMessage{
			"tokenGet":   order.TokenGet.Hex(),
			"amountGet":  order.AmountGet.String(),
			"tokenGive":  order.TokenGive.Hex(),
			"amountGive": order.AmountGive.String(),
			"nonce":      order.Nonce.String(),
			"owner":      order.Owner.Hex(),
		},
	}
	return e.digest(typedData)
}

// HashCancel returns the EIP-712 digest a maker signs to cancel an order.
func (e *EIP712Signer) HashCancel(cancel *CancelEIP712) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			"CancelOrder": []apitypes.Type{
				{Name: "orderId", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "owner", Type: "address"},
			},
		},
		PrimaryType: "CancelOrder",
		Domain:      e.apiDomain(),
		Message: apitypes.TypedDataMessage{
			"orderId": cancel.OrderID.String(),
			"nonce":   cancel.Nonce.String(),
			"owner":   cancel.Owner.Hex(),
		},
	}
	return e.digest(typedData)
}

func (e *EIP712Signer) digest(typedData apitypes.TypedData) ([]byte, error) {
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("hash domain: %w", err)
	}
	typedDataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("hash message: %w", err)
	}

	// keccak256("\x19\x01" || domainSeparator || typedDataHash)
	rawData := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(typedDataHash)))
	return crypto.Keccak256Hash(rawData).Bytes(), nil
}

// SignOrder signs an order with the given key.
func (e *EIP712Signer) SignOrder(signer *Signer, order *OrderEIP712) ([]byte, error) {
	hash, err := e.HashOrder(order)
	if err != nil {
		return nil, err
	}
	return signer.Sign(hash)
}

// SignCancel signs a cancel request with the given key.
func (e *EIP712Signer) SignCancel(signer *Signer, cancel *CancelEIP712) ([]byte, error) {
	hash, err := e.HashCancel(cancel)
	if err != nil {
		return nil, err
	}
	return signer.Sign(hash)
}

// RecoverOrderSigner recovers the address that signed an order.
func (e *EIP712Signer) RecoverOrderSigner(order *OrderEIP712, signature []byte) (common.Address, error) {
	hash, err := e.HashOrder(order)
	if err != nil {
		return common.Address{}, err
	}
	return RecoverAddress(hash, signature)
}

// RecoverCancelSigner recovers the address that signed a cancel request.
func (e *EIP712Signer) RecoverCancelSigner(cancel *CancelEIP712, signature []byte) (common.Address, error) {
	hash, err := e.HashCancel(cancel)
	if err != nil {
		return common.Address{}, err
	}
	return RecoverAddress(hash, signature)
}
