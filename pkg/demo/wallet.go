package demo

import (
	"errors"
	"fmt"

	x402 "github.com/agentpay/usdcx-x402/go"
	"github.com/agentpay/usdcx-x402/go/config"
	"github.com/agentpay/usdcx-x402/go/logger"
	"github.com/agentpay/usdcx-x402/go/mechanisms/stacks"
	"github.com/agentpay/usdcx-x402/go/metrics"
)

var (
	ErrAgentKeyNotSet  = errors.New(config.EnvAgentPrivateKey + " not set")
	ErrAgentKeyInvalid = errors.New(config.EnvAgentPrivateKey + " is invalid")
)

// AgentWallet is the demo agent: the address it pays from and the means to pay.
type AgentWallet struct {
	Address    string
	Transferer x402.Transferer
}

// LoadAgent derives the agent wallet from cfg. Transfers go through the signer
// process at cfg.SignerPath when one is configured, and are signed in process
// against node otherwise. AGENTPAY_AGENT_WALLET, when set, must match the
// address derived from the key.
func LoadAgent(cfg *config.Config, node stacks.Node, log logger.Logger, rec metrics.Recorder) (*AgentWallet, error) {
	if cfg.AgentPrivateKey == "" {
		return nil, ErrAgentKeyNotSet
	}
	signer, err := stacks.NewTransferSigner(cfg.AgentPrivateKey, node,
		stacks.WithNetwork(cfg.StacksNetwork()),
		stacks.WithSignerLogger(log),
		stacks.WithSignerMetrics(rec),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAgentKeyInvalid, err)
	}

	address := signer.Sender()
	if cfg.AgentWallet != "" && cfg.AgentWallet != address {
		return nil, fmt.Errorf("%s (%s) does not match address derived from private key (%s)",
			config.EnvAgentWallet, cfg.AgentWallet, address)
	}

	wallet := &AgentWallet{Address: address, Transferer: signer}
	if cfg.SignerPath != "" {
		wallet.Transferer = stacks.NewProcessTransferer(cfg.SignerPath, cfg.AgentPrivateKey,
			stacks.WithProcessLogger(log))
	}
	return wallet, nil
}
