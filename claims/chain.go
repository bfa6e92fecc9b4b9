package claims

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/streamingfast/eth-go"
	"github.com/streamingfast/eth-go/rpc"
	"github.com/streamingfast/eth-go/signer/native"
	"go.uber.org/zap"

	"github.com/nuwa-protocol/payment-gateway/rav"
)

var ErrChannelNotFound = errors.New("channel not found on-chain")

// ChannelInfo is the on-chain view of a payment channel.
type ChannelInfo struct {
	PayerAddress eth.Address
	Epoch        uint64
	Active       bool
}

// ChainClient settles RAVs against the payment hub contract. The claim
// scheduler is its only caller.
type ChainClient interface {
	Claim(ctx context.Context, signed *rav.SignedSubRAV) (txHash string, err error)
	GetChannel(ctx context.Context, channelID string) (*ChannelInfo, error)
	HubBalance(ctx context.Context, payer eth.Address) (*big.Int, error)
}

// Selectors are the first four keccak bytes of the hub function signatures.
var (
	claimSelector      = eth.Keccak256([]byte("claimFromChannel(string,string,uint64,uint256,uint64,bytes)"))[:4]
	getChannelSelector = eth.Keccak256([]byte("getChannel(string)"))[:4]
	hubBalanceSelector = eth.Keccak256([]byte("balanceOf(address)"))[:4]
)

// EthChainClient talks to the payment hub contract over JSON-RPC, signing
// claim transactions with the payee's operator key.
type EthChainClient struct {
	rpcClient *rpc.Client
	hubAddr   eth.Address
	chainID   uint64
	key       *eth.PrivateKey
	gasLimit  uint64
	logger    *zap.Logger
}

var _ ChainClient = (*EthChainClient)(nil)

func NewEthChainClient(rpcEndpoint string, hubAddr eth.Address, chainID uint64, key *eth.PrivateKey, logger *zap.Logger) *EthChainClient {
	return &EthChainClient{
		rpcClient: rpc.NewClient(rpcEndpoint),
		hubAddr:   hubAddr,
		chainID:   chainID,
		key:       key,
		gasLimit:  500_000,
		logger:    logger,
	}
}

// Claim submits claimFromChannel and returns the transaction hash without
// waiting for inclusion; the scheduler's retry loop handles reverts on the
// next delta.
func (c *EthChainClient) Claim(ctx context.Context, signed *rav.SignedSubRAV) (string, error) {
	record := signed.SubRAV
	data := claimCallData(signed)

	from := c.key.PublicKey().Address()
	nonce, err := c.rpcClient.Nonce(ctx, from, nil)
	if err != nil {
		return "", fmt.Errorf("getting account nonce: %w", err)
	}
	gasPrice, err := c.rpcClient.GasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("getting gas price: %w", err)
	}

	signer, err := native.NewPrivateKeySigner(c.logger, big.NewInt(int64(c.chainID)), c.key)
	if err != nil {
		return "", fmt.Errorf("creating signer: %w", err)
	}
	signedTx, err := signer.SignTransaction(nonce, c.hubAddr, big.NewInt(0), c.gasLimit, gasPrice, data)
	if err != nil {
		return "", fmt.Errorf("signing claim transaction: %w", err)
	}

	txHash, err := c.rpcClient.SendRawTransaction(ctx, signedTx)
	if err != nil {
		return "", fmt.Errorf("sending claim transaction: %w", err)
	}

	c.logger.Info("claim submitted",
		zap.String("channel_id", record.ChannelID),
		zap.String("vm_id_fragment", record.VMIDFragment),
		zap.Uint64("nonce", record.Nonce),
		zap.String("tx_hash", txHash),
	)
	return txHash, nil
}

// claimCallData builds the claimFromChannel calldata. The hub rejects
// malleable high-S signatures, so the signature is submitted in normalized
// form.
func claimCallData(signed *rav.SignedSubRAV) []byte {
	record := signed.SubRAV
	sig := signed.NormalizedSignature()
	return encodeCall(claimSelector,
		abiString(record.ChannelID),
		abiString(record.VMIDFragment),
		abiUint64(record.ChannelEpoch),
		abiUint256(record.AccumulatedAmount),
		abiUint64(record.Nonce),
		abiBytes(sig[:]),
	)
}

// GetChannel reads (payer, epoch, active) from the hub.
func (c *EthChainClient) GetChannel(ctx context.Context, channelID string) (*ChannelInfo, error) {
	result, err := c.call(ctx, encodeCall(getChannelSelector, abiString(channelID)))
	if err != nil {
		return nil, fmt.Errorf("calling getChannel: %w", err)
	}
	if len(result) < 96 {
		return nil, fmt.Errorf("unexpected getChannel result length %d", len(result))
	}

	payer := eth.Address(result[12:32])
	if isZeroAddress(payer) {
		return nil, ErrChannelNotFound
	}
	return &ChannelInfo{
		PayerAddress: payer,
		Epoch:        new(big.Int).SetBytes(result[32:64]).Uint64(),
		Active:       result[95] == 1,
	}, nil
}

// HubBalance reads the payer's spendable hub balance.
func (c *EthChainClient) HubBalance(ctx context.Context, payer eth.Address) (*big.Int, error) {
	data := make([]byte, 4+32)
	copy(data[:4], hubBalanceSelector)
	copy(data[4+12:], payer)

	result, err := c.call(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("calling balanceOf: %w", err)
	}
	if len(result) != 32 {
		return nil, fmt.Errorf("unexpected balanceOf result length %d", len(result))
	}
	return new(big.Int).SetBytes(result), nil
}

func isZeroAddress(addr eth.Address) bool {
	for _, b := range addr {
		if b != 0 {
			return false
		}
	}
	return true
}

func (c *EthChainClient) call(ctx context.Context, data []byte) ([]byte, error) {
	resultHex, err := c.rpcClient.Call(ctx, rpc.CallParams{To: c.hubAddr, Data: data})
	if err != nil {
		return nil, err
	}
	return hex.DecodeString(strings.TrimPrefix(resultHex, "0x"))
}

// Minimal ABI encoding: static arguments occupy one 32-byte head word;
// dynamic ones put their offset in the head and their padded payload in the
// tail.
type abiArg struct {
	word    [32]byte
	dynamic []byte
	isDyn   bool
}

func abiUint64(v uint64) abiArg {
	var arg abiArg
	new(big.Int).SetUint64(v).FillBytes(arg.word[:])
	return arg
}

func abiUint256(v *big.Int) abiArg {
	var arg abiArg
	if v != nil {
		v.FillBytes(arg.word[:])
	}
	return arg
}

func abiString(s string) abiArg { return abiBytes([]byte(s)) }

func abiBytes(b []byte) abiArg {
	padded := make([]byte, 32+((len(b)+31)/32)*32)
	new(big.Int).SetInt64(int64(len(b))).FillBytes(padded[:32])
	copy(padded[32:], b)
	return abiArg{dynamic: padded, isDyn: true}
}

func encodeCall(selector []byte, args ...abiArg) []byte {
	headSize := 32 * len(args)
	out := make([]byte, 0, 4+headSize)
	out = append(out, selector...)

	var tail []byte
	for _, arg := range args {
		if arg.isDyn {
			var offset [32]byte
			new(big.Int).SetInt64(int64(headSize + len(tail))).FillBytes(offset[:])
			out = append(out, offset[:]...)
			tail = append(tail, arg.dynamic...)
			continue
		}
		out = append(out, arg.word[:]...)
	}
	return append(out, tail...)
}
