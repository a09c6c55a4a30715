package stacks

import (
	"context"
	"encoding/binary"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/agentpay/usdcx-x402/go"
)

type fakeNode struct {
	nonce        uint64
	nonceErr     error
	broadcastErr error
	txid         string

	nonceCalls int
	broadcasts [][]byte
}

func (n *fakeNode) GetNonce(_ context.Context, _ string) (uint64, error) {
	n.nonceCalls++
	return n.nonce, n.nonceErr
}

func (n *fakeNode) Broadcast(_ context.Context, tx []byte) (string, error) {
	n.broadcasts = append(n.broadcasts, tx)
	if n.broadcastErr != nil {
		return "", n.broadcastErr
	}
	return n.txid, nil
}

func TestTransferSigner_Success(t *testing.T) {
	node := &fakeNode{nonce: 3, txid: "0xfeed"}
	signer, err := NewTransferSigner(testPrivateKey, node)
	require.NoError(t, err)
	assert.Equal(t, testSenderTestnet, signer.Sender())

	result, err := signer.Transfer(context.Background(), testRecipient, big.NewInt(100000))
	require.NoError(t, err)

	assert.Equal(t, &x402.TransferResult{
		Success:   true,
		TxID:      "0xfeed",
		Sender:    testSenderTestnet,
		Recipient: testRecipient,
		Amount:    "100000",
	}, result)

	require.Len(t, node.broadcasts, 1)
	raw := node.broadcasts[0]
	assert.Equal(t, uint64(3), binary.BigEndian.Uint64(raw[27:35]), "nonce")
	assert.Equal(t, DefaultTransferFee, binary.BigEndian.Uint64(raw[35:43]), "flat fee")

	// the broadcast signature recovers to the sender key
	key, _ := ParsePrivateKey(testPrivateKey)
	recipient, _ := ParseAddress(testRecipient)
	unsigned, err := NewTransferTransaction(TransferParams{
		Network: Testnet, Token: USDCx(), Signer: key.Hash160(), Sender: key.Address(Testnet),
		Recipient: recipient, Amount: big.NewInt(100000), Nonce: 3, Fee: DefaultTransferFee,
	})
	require.NoError(t, err)
	digest, err := unsigned.PreSignSigHash()
	require.NoError(t, err)
	pub, err := RecoverPublicKey(digest, raw[44:109])
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey(), pub)
}

func TestTransferSigner_NormalizedKeyAccepted(t *testing.T) {
	signer, err := NewTransferSigner(testPrivateKey+"01", &fakeNode{})
	require.NoError(t, err)
	assert.Equal(t, testSenderTestnet, signer.Sender())
}

func TestTransferSigner_BroadcastRejected(t *testing.T) {
	node := &fakeNode{broadcastErr: &BroadcastError{StatusCode: 400, Message: "transaction rejected", Reason: "NotEnoughFunds"}}
	signer, err := NewTransferSigner(testPrivateKey, node)
	require.NoError(t, err)

	result, err := signer.Transfer(context.Background(), testRecipient, big.NewInt(100000))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBroadcastRejected))
	assert.Equal(t, x402.ErrCodeBroadcastRejected, ErrorCode(err))

	assert.False(t, result.Success)
	assert.Equal(t, "transaction rejected", result.Error)
	assert.Equal(t, "NotEnoughFunds", result.Reason)
	assert.Empty(t, result.TxID)
	assert.Len(t, node.broadcasts, 1, "no retry after rejection")
}

func TestTransferSigner_InvalidRecipient(t *testing.T) {
	node := &fakeNode{}
	signer, err := NewTransferSigner(testPrivateKey, node)
	require.NoError(t, err)

	result, err := signer.Transfer(context.Background(), "SX3Q6YCK0E2SDAA1KS7X546NY02F12D88RZHAH2P3", big.NewInt(1))
	require.Error(t, err)
	assert.Equal(t, x402.ErrCodeUnknownAddressPrefix, ErrorCode(err))
	assert.False(t, result.Success)
	assert.Zero(t, node.nonceCalls)
	assert.Empty(t, node.broadcasts)
}

func TestTransferSigner_NonceFailure(t *testing.T) {
	node := &fakeNode{nonceErr: errors.New("api down")}
	signer, err := NewTransferSigner(testPrivateKey, node)
	require.NoError(t, err)

	result, err := signer.Transfer(context.Background(), testRecipient, big.NewInt(1))
	require.Error(t, err)
	assert.Equal(t, x402.ErrCodeSubmissionFailed, ErrorCode(err))
	assert.Contains(t, result.Error, "api down")
	assert.Empty(t, node.broadcasts)
}

func TestTransferSigner_InvalidAmount(t *testing.T) {
	node := &fakeNode{}
	signer, err := NewTransferSigner(testPrivateKey, node)
	require.NoError(t, err)

	result, err := signer.Transfer(context.Background(), testRecipient, big.NewInt(0))
	require.Error(t, err)
	assert.Equal(t, "0", result.Amount)
	assert.Empty(t, node.broadcasts)
}

func TestTransferSigner_Options(t *testing.T) {
	node := &fakeNode{txid: "ok"}
	signer, err := NewTransferSigner(testPrivateKey, node, WithNetwork(Mainnet), WithFee(5000))
	require.NoError(t, err)
	assert.Equal(t, testSenderMainnet, signer.Sender())

	_, err = signer.Transfer(context.Background(), "SP2J6ZY48GV1EZ5V2V5RB9MP66SW86PYKKNRV9EJ7", big.NewInt(10))
	require.NoError(t, err)
	raw := node.broadcasts[0]
	assert.Equal(t, byte(0x00), raw[0])
	assert.Equal(t, uint64(5000), binary.BigEndian.Uint64(raw[35:43]))
}

func TestNewTransferSigner_InvalidKey(t *testing.T) {
	_, err := NewTransferSigner("nothex", &fakeNode{})
	assert.ErrorIs(t, err, ErrInvalidPrivateKey)

	_, err = NewTransferSigner(testPrivateKey, nil)
	assert.Error(t, err)
}
