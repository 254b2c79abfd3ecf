package proof

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// PrimaryType is the struct name the lock contract hashes.
const PrimaryType = "PureLoveProof"

var (
	ErrMissingKey       = errors.New("signer key is empty")
	ErrInvalidSignature = errors.New("invalid proof signature")
	ErrSignerMismatch   = errors.New("proof signed by unexpected address")
)

// Domain is the EIP-712 domain. It must match the verifying contract byte for byte.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// Message is the PureLoveProof payload. ActionName is hashed into actionHash.
type Message struct {
	User         common.Address
	ActionName   string
	Amount       *big.Int
	EvidenceHash common.Hash
	Nonce        *big.Int
}

// Signature is a 65-byte [R || S || V] signature with V in {27, 28}.
type Signature struct {
	Bytes  []byte
	Signer common.Address
	Digest common.Hash
}

func (s Signature) Hex() string {
	return "0x" + common.Bytes2Hex(s.Bytes)
}

var proofTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	PrimaryType: {
		{Name: "user", Type: "address"},
		{Name: "actionHash", Type: "bytes32"},
		{Name: "amount", Type: "uint256"},
		{Name: "evidenceHash", Type: "bytes32"},
		{Name: "nonce", Type: "uint256"},
	},
}

func typedData(domain Domain, msg Message) (apitypes.TypedData, error) {
	if domain.ChainID == nil {
		return apitypes.TypedData{}, errors.New("domain chain id is required")
	}
	if msg.Amount == nil || msg.Nonce == nil {
		return apitypes.TypedData{}, errors.New("amount and nonce are required")
	}
	return apitypes.TypedData{
		Types:       proofTypes,
		PrimaryType: PrimaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(new(big.Int).Set(domain.ChainID)),
			VerifyingContract: domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"user":         msg.User.Hex(),
			"actionHash":   ActionHash(msg.ActionName).Hex(),
			"amount":       new(big.Int).Set(msg.Amount),
			"evidenceHash": msg.EvidenceHash.Hex(),
			"nonce":        new(big.Int).Set(msg.Nonce),
		},
	}, nil
}

// Digest computes keccak256("\x19\x01" || domainSeparator || hashStruct(message)).
func Digest(domain Domain, msg Message) (common.Hash, error) {
	td, err := typedData(domain, msg)
	if err != nil {
		return common.Hash{}, err
	}
	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return common.Hash{}, fmt.Errorf("hash typed data: %w", err)
	}
	return common.BytesToHash(digest), nil
}

// Signer holds the custodial attester key. Signing is local and never touches a nonce counter.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func NewSigner(hexKey string) (*Signer, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, ErrMissingKey
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

func (s *Signer) Address() common.Address {
	return s.address
}

// PrivateKey exposes the key to the transactor that pays gas for submissions.
func (s *Signer) PrivateKey() *ecdsa.PrivateKey {
	return s.key
}

func (s *Signer) Sign(domain Domain, msg Message) (Signature, error) {
	digest, err := Digest(domain, msg)
	if err != nil {
		return Signature{}, err
	}
	sig, err := crypto.Sign(digest.Bytes(), s.key)
	if err != nil {
		return Signature{}, fmt.Errorf("sign digest: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return Signature{Bytes: sig, Signer: s.address, Digest: digest}, nil
}

// Recover returns the address that produced sig over the proof digest.
func Recover(domain Domain, msg Message, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	digest, err := Digest(domain, msg)
	if err != nil {
		return common.Address{}, err
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(digest.Bytes(), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify checks sig the way the verifying contract does: recover and compare.
func Verify(domain Domain, msg Message, sig []byte, expected common.Address) error {
	got, err := Recover(domain, msg, sig)
	if err != nil {
		return err
	}
	if got != expected {
		return fmt.Errorf("%w: got %s want %s", ErrSignerMismatch, got.Hex(), expected.Hex())
	}
	return nil
}
