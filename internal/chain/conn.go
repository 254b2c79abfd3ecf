package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"pplpmint/internal/contracts"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ErrReadOnly is returned by Lock when the connection was dialed without a key.
var ErrReadOnly = errors.New("connection is read-only: no transaction key configured")

// ActionInfo mirrors the contract's actions(bytes32) getter.
type ActionInfo struct {
	Allowed    bool
	Version    uint32
	Deprecated bool
}

// LockCall is the argument list of lockWithPPLP.
type LockCall struct {
	User         common.Address
	ActionName   string
	Amount       *big.Int
	EvidenceHash common.Hash
	Signatures   [][]byte
}

// Conn is one JSON-RPC node bound to the lock contract. A validated Conn is
// reused for every call of an attempt so the nonce it returned stays relevant.
type Conn interface {
	Endpoint() string
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	CodeAt(ctx context.Context, addr common.Address) ([]byte, error)
	Nonce(ctx context.Context, owner common.Address) (*big.Int, error)
	IsAttester(ctx context.Context, account common.Address) (bool, error)
	Action(ctx context.Context, actionHash common.Hash) (ActionInfo, error)
	GuardianGov(ctx context.Context) (common.Address, error)
	Decimals(ctx context.Context) (uint8, error)
	// Lock broadcasts lockWithPPLP and returns the transaction hash without
	// waiting. A non-zero hash returned with an error means the signed
	// transaction was handed to the node and may still land.
	Lock(ctx context.Context, call LockCall) (common.Hash, error)
	// Receipt returns ethereum.NotFound while the transaction is pending.
	Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

// DialFunc opens a Conn to endpoint.
type DialFunc func(ctx context.Context, endpoint string) (Conn, error)

// EthDialer dials go-ethereum clients bound to the lock contract.
type EthDialer struct {
	Contract common.Address
	// Key pays gas for lockWithPPLP. Nil yields read-only connections.
	Key *ecdsa.PrivateKey
}

func (d EthDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	cli, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	parsedABI, err := abi.JSON(strings.NewReader(contracts.FUNMoneyABI))
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("parse abi: %w", err)
	}
	return &EthConn{
		endpoint: endpoint,
		client:   cli,
		contract: bind.NewBoundContract(d.Contract, parsedABI, cli, cli, cli),
		address:  d.Contract,
		key:      d.Key,
	}, nil
}

// EthConn implements Conn over ethclient.
type EthConn struct {
	endpoint string
	client   *ethclient.Client
	contract *bind.BoundContract
	address  common.Address
	key      *ecdsa.PrivateKey
}

func (c *EthConn) Endpoint() string { return c.endpoint }

func (c *EthConn) ChainID(ctx context.Context) (*big.Int, error) {
	return c.client.ChainID(ctx)
}

func (c *EthConn) BlockNumber(ctx context.Context) (uint64, error) {
	return c.client.BlockNumber(ctx)
}

func (c *EthConn) CodeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	return c.client.CodeAt(ctx, addr, nil)
}

func (c *EthConn) call(ctx context.Context, method string, params ...interface{}) ([]interface{}, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, params...); err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("call %s: empty result", method)
	}
	return out, nil
}

func (c *EthConn) Nonce(ctx context.Context, owner common.Address) (*big.Int, error) {
	out, err := c.call(ctx, "nonces", owner)
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

func (c *EthConn) IsAttester(ctx context.Context, account common.Address) (bool, error) {
	out, err := c.call(ctx, "isAttester", account)
	if err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

func (c *EthConn) Action(ctx context.Context, actionHash common.Hash) (ActionInfo, error) {
	out, err := c.call(ctx, "actions", [32]byte(actionHash))
	if err != nil {
		return ActionInfo{}, err
	}
	if len(out) != 3 {
		return ActionInfo{}, fmt.Errorf("call actions: unexpected result length %d", len(out))
	}
	return ActionInfo{
		Allowed:    *abi.ConvertType(out[0], new(bool)).(*bool),
		Version:    *abi.ConvertType(out[1], new(uint32)).(*uint32),
		Deprecated: *abi.ConvertType(out[2], new(bool)).(*bool),
	}, nil
}

func (c *EthConn) GuardianGov(ctx context.Context) (common.Address, error) {
	out, err := c.call(ctx, "guardianGov")
	if err != nil {
		return common.Address{}, err
	}
	return *abi.ConvertType(out[0], new(common.Address)).(*common.Address), nil
}

func (c *EthConn) Decimals(ctx context.Context) (uint8, error) {
	out, err := c.call(ctx, "decimals")
	if err != nil {
		return 0, err
	}
	return *abi.ConvertType(out[0], new(uint8)).(*uint8), nil
}

func (c *EthConn) Lock(ctx context.Context, call LockCall) (common.Hash, error) {
	if c.key == nil {
		return common.Hash{}, ErrReadOnly
	}
	chainID, err := c.client.ChainID(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetch chain id: %w", err)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(c.key, chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("transactor: %w", err)
	}
	opts.Context = ctx
	opts.GasLimit = 0 // let node estimate
	opts.NoSend = true

	tx, err := c.contract.Transact(opts, "lockWithPPLP",
		call.User, call.ActionName, call.Amount, [32]byte(call.EvidenceHash), call.Signatures)
	if err != nil {
		return common.Hash{}, fmt.Errorf("lockWithPPLP build: %w", err)
	}
	// The hash is known before the send, so a failed send can still be traced.
	if err := c.client.SendTransaction(ctx, tx); err != nil {
		return tx.Hash(), fmt.Errorf("lockWithPPLP send %s: %w", tx.Hash().Hex(), err)
	}
	return tx.Hash(), nil
}

func (c *EthConn) Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return c.client.TransactionReceipt(ctx, txHash)
}

func (c *EthConn) Close() {
	if c.client != nil {
		c.client.Close()
	}
}
