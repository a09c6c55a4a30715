package stacks

import (
	"bytes"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
)

// Wire constants for single-sig standard transactions
const (
	AnchorModeAny = byte(0x03)

	PostConditionModeAllow = byte(0x01)
	PostConditionModeDeny  = byte(0x02)

	FungibleConditionSentEq = byte(0x01)
	FungibleConditionSentGt = byte(0x02)
	FungibleConditionSentGe = byte(0x03)

	authTypeStandard          = byte(0x04)
	hashModeP2PKH             = byte(0x00)
	publicKeyEncodingCompress = byte(0x00)
	payloadTypeContractCall   = byte(0x02)
	postConditionFungible     = byte(0x01)
	postConditionPrincipalStd = byte(0x02)

	// RecoverableSignatureLength is recovery id + r + s
	RecoverableSignatureLength = 65
)

var ErrSignerMismatch = errors.New("stacks: key does not match transaction signer")

// TokenContract identifies a SIP-010 token.
type TokenContract struct {
	Address   Address
	Name      string
	AssetName string
}

// ContractID returns "<address>.<name>".
func (t TokenContract) ContractID() string {
	return t.Address.String() + "." + t.Name
}

// USDCx returns the testnet USDCx token contract.
func USDCx() TokenContract {
	addr, err := ParseAddress(USDCxContractAddress)
	if err != nil {
		panic(err)
	}
	return TokenContract{Address: addr, Name: USDCxContractName, AssetName: USDCxAssetName}
}

// FungiblePostCondition constrains how much of a token the principal may send.
type FungiblePostCondition struct {
	Principal Address
	Token     TokenContract
	Code      byte
	Amount    uint64
}

func (pc FungiblePostCondition) serialize(buf *bytes.Buffer) error {
	contractName, err := lengthPrefixedName(pc.Token.Name)
	if err != nil {
		return err
	}
	assetName, err := lengthPrefixedName(pc.Token.AssetName)
	if err != nil {
		return err
	}

	buf.WriteByte(postConditionFungible)
	buf.WriteByte(postConditionPrincipalStd)
	buf.WriteByte(pc.Principal.Version)
	buf.Write(pc.Principal.Hash160[:])
	buf.WriteByte(pc.Token.Address.Version)
	buf.Write(pc.Token.Address.Hash160[:])
	buf.Write(contractName)
	buf.Write(assetName)
	buf.WriteByte(pc.Code)
	writeUint64(buf, pc.Amount)
	return nil
}

// ContractCall is the payload of a contract-call transaction. Args are
// serialized Clarity values.
type ContractCall struct {
	ContractAddress Address
	ContractName    string
	FunctionName    string
	Args            [][]byte
}

func (c ContractCall) serialize(buf *bytes.Buffer) error {
	contractName, err := lengthPrefixedName(c.ContractName)
	if err != nil {
		return err
	}
	functionName, err := lengthPrefixedName(c.FunctionName)
	if err != nil {
		return err
	}

	buf.WriteByte(payloadTypeContractCall)
	buf.WriteByte(c.ContractAddress.Version)
	buf.Write(c.ContractAddress.Hash160[:])
	buf.Write(contractName)
	buf.Write(functionName)
	writeUint32(buf, uint32(len(c.Args)))
	for _, arg := range c.Args {
		buf.Write(arg)
	}
	return nil
}

// ContractCallTransaction is a single-sig, standard-auth contract call.
type ContractCallTransaction struct {
	Network           NetworkConfig
	Signer            [Hash160Length]byte
	Nonce             uint64
	Fee               uint64
	Signature         [RecoverableSignatureLength]byte
	PostConditionMode byte
	PostConditions    []FungiblePostCondition
	Payload           ContractCall
}

// TransferParams describe a SIP-010 transfer.
type TransferParams struct {
	Network   NetworkConfig
	Token     TokenContract
	Signer    [Hash160Length]byte
	Sender    Address
	Recipient Address
	Amount    *big.Int
	Nonce     uint64
	Fee       uint64
}

// NewTransferTransaction builds an unsigned transfer of Amount from Sender to
// Recipient with arguments (amount, sender, recipient, none). The transaction
// runs in deny mode with one post-condition pinning the sent amount.
func NewTransferTransaction(p TransferParams) (*ContractCallTransaction, error) {
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrClarityValue)
	}
	if !p.Amount.IsUint64() {
		return nil, fmt.Errorf("%w: amount exceeds post-condition range", ErrClarityValue)
	}
	amountArg, err := SerializeUint(p.Amount)
	if err != nil {
		return nil, err
	}

	return &ContractCallTransaction{
		Network:           p.Network,
		Signer:            p.Signer,
		Nonce:             p.Nonce,
		Fee:               p.Fee,
		PostConditionMode: PostConditionModeDeny,
		PostConditions: []FungiblePostCondition{{
			Principal: p.Sender,
			Token:     p.Token,
			Code:      FungibleConditionSentEq,
			Amount:    p.Amount.Uint64(),
		}},
		Payload: ContractCall{
			ContractAddress: p.Token.Address,
			ContractName:    p.Token.Name,
			FunctionName:    FunctionTransfer,
			Args: [][]byte{
				amountArg,
				SerializeStandardPrincipal(p.Sender),
				SerializeStandardPrincipal(p.Recipient),
				SerializeNone(),
			},
		},
	}, nil
}

// Serialize encodes the transaction in wire format.
func (tx *ContractCallTransaction) Serialize() ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(tx.Network.TxVersion)
	writeUint32(&buf, tx.Network.ChainID)

	buf.WriteByte(authTypeStandard)
	buf.WriteByte(hashModeP2PKH)
	buf.Write(tx.Signer[:])
	writeUint64(&buf, tx.Nonce)
	writeUint64(&buf, tx.Fee)
	buf.WriteByte(publicKeyEncodingCompress)
	buf.Write(tx.Signature[:])

	buf.WriteByte(AnchorModeAny)
	buf.WriteByte(tx.PostConditionMode)
	writeUint32(&buf, uint32(len(tx.PostConditions)))
	for _, pc := range tx.PostConditions {
		if err := pc.serialize(&buf); err != nil {
			return nil, err
		}
	}

	if err := tx.Payload.serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// TxID is the hex sha512/256 of the serialized transaction.
func (tx *ContractCallTransaction) TxID() (string, error) {
	raw, err := tx.Serialize()
	if err != nil {
		return "", err
	}
	sum := sha512.Sum512_256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// PreSignSigHash is the digest the signer signs: the hash of the transaction
// with its spending condition cleared, extended with auth type, fee and nonce.
func (tx *ContractCallTransaction) PreSignSigHash() ([]byte, error) {
	cleared := *tx
	cleared.Nonce = 0
	cleared.Fee = 0
	cleared.Signature = [RecoverableSignatureLength]byte{}

	raw, err := cleared.Serialize()
	if err != nil {
		return nil, err
	}
	initial := sha512.Sum512_256(raw)

	var buf bytes.Buffer
	buf.Write(initial[:])
	buf.WriteByte(authTypeStandard)
	writeUint64(&buf, tx.Fee)
	writeUint64(&buf, tx.Nonce)
	presign := sha512.Sum512_256(buf.Bytes())
	return presign[:], nil
}

// Sign fills in the signature. key must hash to the transaction signer.
func (tx *ContractCallTransaction) Sign(key *PrivateKey) error {
	if key.Hash160() != tx.Signer {
		return ErrSignerMismatch
	}
	digest, err := tx.PreSignSigHash()
	if err != nil {
		return err
	}
	sig, err := key.SignRecoverable(digest)
	if err != nil {
		return err
	}
	copy(tx.Signature[:], sig)
	return nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}
