package services

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ChainRoundState mirrors the settlement contract's per-round storage.
type ChainRoundState struct {
	EntryFee    *big.Int
	TicketCount uint64
	Root        common.Hash
	Ended       bool
}

// SettlementChain is the boundary to the immutable ledger. EndRound stops
// new ticket purchases; PublishRoot attaches the commitment root. Both
// block until the transaction is mined and return the tx hash as the
// receipt reference. Claim-side verification lives in the contract and is
// not reimplemented here.
type SettlementChain interface {
	RoundState(ctx context.Context, roundID uint64) (*ChainRoundState, error)
	EndRound(ctx context.Context, roundID uint64) (string, error)
	PublishRoot(ctx context.Context, roundID uint64, root common.Hash) (string, error)
}

// settlementABI covers the three entry points this service touches.
const settlementABI = `[
	{"type":"function","name":"rounds","stateMutability":"view","inputs":[{"name":"roundId","type":"uint256"}],"outputs":[{"name":"entryFee","type":"uint256"},{"name":"ticketCount","type":"uint256"},{"name":"merkleRoot","type":"bytes32"},{"name":"ended","type":"bool"}]},
	{"type":"function","name":"endRound","stateMutability":"nonpayable","inputs":[{"name":"roundId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"publishRoot","stateMutability":"nonpayable","inputs":[{"name":"roundId","type":"uint256"},{"name":"merkleRoot","type":"bytes32"}],"outputs":[]}
]`

// EthereumSettlement talks to the settlement contract over JSON-RPC.
type EthereumSettlement struct {
	client   *ethclient.Client
	contract common.Address
	parsed   abi.ABI
	auth     *bind.TransactOpts
	timeout  time.Duration
}

// NewEthereumSettlement builds a submitter from environment configuration:
// SETTLEMENT_RPC_URL, SETTLEMENT_CONTRACT, SETTLEMENT_PRIVATE_KEY and
// SETTLEMENT_CHAIN_ID are all required.
func NewEthereumSettlement() (*EthereumSettlement, error) {
	rpcURL := os.Getenv("SETTLEMENT_RPC_URL")
	contractHex := os.Getenv("SETTLEMENT_CONTRACT")
	keyHex := os.Getenv("SETTLEMENT_PRIVATE_KEY")
	chainIDStr := os.Getenv("SETTLEMENT_CHAIN_ID")
	if rpcURL == "" || contractHex == "" || keyHex == "" || chainIDStr == "" {
		return nil, fmt.Errorf("SETTLEMENT_RPC_URL, SETTLEMENT_CONTRACT, SETTLEMENT_PRIVATE_KEY and SETTLEMENT_CHAIN_ID must be set")
	}
	if !common.IsHexAddress(contractHex) {
		return nil, fmt.Errorf("SETTLEMENT_CONTRACT is not a valid address: %s", contractHex)
	}

	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial settlement RPC: %w", err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid SETTLEMENT_PRIVATE_KEY: %w", err)
	}

	chainID, ok := new(big.Int).SetString(chainIDStr, 10)
	if !ok {
		return nil, fmt.Errorf("invalid SETTLEMENT_CHAIN_ID: %s", chainIDStr)
	}

	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to build transactor: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(settlementABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse settlement ABI: %w", err)
	}

	return &EthereumSettlement{
		client:   client,
		contract: common.HexToAddress(contractHex),
		parsed:   parsed,
		auth:     auth,
		timeout:  2 * time.Minute,
	}, nil
}

func (e *EthereumSettlement) RoundState(ctx context.Context, roundID uint64) (*ChainRoundState, error) {
	input, err := e.parsed.Pack("rounds", new(big.Int).SetUint64(roundID))
	if err != nil {
		return nil, err
	}
	out, err := e.client.CallContract(ctx, ethereum.CallMsg{To: &e.contract, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("rounds(%d) call failed: %w", roundID, err)
	}
	vals, err := e.parsed.Unpack("rounds", out)
	if err != nil {
		return nil, err
	}
	state := &ChainRoundState{
		EntryFee:    vals[0].(*big.Int),
		TicketCount: vals[1].(*big.Int).Uint64(),
		Root:        common.Hash(vals[2].([32]byte)),
		Ended:       vals[3].(bool),
	}
	return state, nil
}

func (e *EthereumSettlement) EndRound(ctx context.Context, roundID uint64) (string, error) {
	return e.submit(ctx, "endRound", new(big.Int).SetUint64(roundID))
}

func (e *EthereumSettlement) PublishRoot(ctx context.Context, roundID uint64, root common.Hash) (string, error) {
	var root32 [32]byte
	copy(root32[:], root.Bytes())
	return e.submit(ctx, "publishRoot", new(big.Int).SetUint64(roundID), root32)
}

// submit packs a method call, sends it and blocks until the transaction
// is mined. No database lock is held while waiting.
func (e *EthereumSettlement) submit(ctx context.Context, method string, args ...interface{}) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	bound := bind.NewBoundContract(e.contract, e.parsed, e.client, e.client, e.client)
	opts := *e.auth
	opts.Context = ctx

	tx, err := bound.Transact(&opts, method, args...)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrSubmissionFailed, method, err)
	}

	log.Printf("[CHAIN] %s submitted, tx=%s, waiting for confirmation", method, tx.Hash().Hex())
	receipt, err := bind.WaitMined(ctx, e.client, tx)
	if err != nil {
		return "", fmt.Errorf("%w: %s tx %s not confirmed: %v", ErrSubmissionFailed, method, tx.Hash().Hex(), err)
	}
	if receipt.Status != 1 {
		return "", fmt.Errorf("%w: %s tx %s reverted", ErrSubmissionFailed, method, tx.Hash().Hex())
	}
	return tx.Hash().Hex(), nil
}
