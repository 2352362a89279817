package ledger

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// LedgerABI is the reward ledger contract interface.
const LedgerABI = `[
 {"type":"function","name":"balanceOf","stateMutability":"view",
  "inputs":[{"name":"account","type":"address"}],
  "outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"reputationOf","stateMutability":"view",
  "inputs":[{"name":"account","type":"address"}],
  "outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"stakeReputation","stateMutability":"nonpayable",
  "inputs":[{"name":"amount","type":"uint256"}],
  "outputs":[]},
 {"type":"function","name":"claimReward","stateMutability":"nonpayable",
  "inputs":[
   {"name":"amount","type":"uint256"},
   {"name":"reputationPoints","type":"uint256"},
   {"name":"txid","type":"bytes32"},
   {"name":"signature","type":"bytes"}],
  "outputs":[]},
 {"type":"event","name":"ReputationStaked","anonymous":false,
  "inputs":[
   {"name":"staker","type":"address","indexed":true},
   {"name":"amount","type":"uint256","indexed":false},
   {"name":"reputation","type":"uint256","indexed":false}]},
 {"type":"event","name":"RewardClaimed","anonymous":false,
  "inputs":[
   {"name":"recipient","type":"address","indexed":true},
   {"name":"txid","type":"bytes32","indexed":true},
   {"name":"amount","type":"uint256","indexed":false},
   {"name":"reputationPoints","type":"uint256","indexed":false}]}
]`

const (
	EventStaked  = "ReputationStaked"
	EventClaimed = "RewardClaimed"
)

// Contract packs calls to and decodes logs from a deployed ledger.
type Contract struct {
	Address common.Address
	abi     abi.ABI
}

func NewContract(address common.Address) (*Contract, error) {
	parsed, err := abi.JSON(strings.NewReader(LedgerABI))
	if err != nil {
		return nil, fmt.Errorf("parse ledger abi: %w", err)
	}
	return &Contract{Address: address, abi: parsed}, nil
}

func (c *Contract) StakedTopic() common.Hash  { return c.abi.Events[EventStaked].ID }
func (c *Contract) ClaimedTopic() common.Hash { return c.abi.Events[EventClaimed].ID }

func (c *Contract) PackBalanceOf(account common.Address) ([]byte, error) {
	return c.abi.Pack("balanceOf", account)
}

func (c *Contract) PackReputationOf(account common.Address) ([]byte, error) {
	return c.abi.Pack("reputationOf", account)
}

func (c *Contract) PackStake(amount *big.Int) ([]byte, error) {
	return c.abi.Pack("stakeReputation", amount)
}

func (c *Contract) PackClaim(amount, reputationPoints *big.Int, txid [32]byte, signature []byte) ([]byte, error) {
	return c.abi.Pack("claimReward", amount, reputationPoints, txid, signature)
}

// UnpackUint decodes the single uint256 returned by balanceOf / reputationOf.
func (c *Contract) UnpackUint(method string, data []byte) (*big.Int, error) {
	out, err := c.abi.Unpack(method, data)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("unpack %s: expected 1 value, got %d", method, len(out))
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpack %s: unexpected type %T", method, out[0])
	}
	return v, nil
}

// StakedEvent is a decoded ReputationStaked log.
type StakedEvent struct {
	Staker     common.Address
	Amount     *big.Int
	Reputation *big.Int
	TxHash     common.Hash
	Block      uint64
}

// ClaimedEvent is a decoded RewardClaimed log.
type ClaimedEvent struct {
	Recipient        common.Address
	TxID             common.Hash
	Amount           *big.Int
	ReputationPoints *big.Int
	TxHash           common.Hash
	Block            uint64
}

func (c *Contract) DecodeStaked(log types.Log) (*StakedEvent, error) {
	if len(log.Topics) != 2 || log.Topics[0] != c.StakedTopic() {
		return nil, fmt.Errorf("not a %s log", EventStaked)
	}
	var body struct {
		Amount     *big.Int
		Reputation *big.Int
	}
	if err := c.abi.UnpackIntoInterface(&body, EventStaked, log.Data); err != nil {
		return nil, fmt.Errorf("decode %s: %w", EventStaked, err)
	}
	return &StakedEvent{
		Staker:     common.BytesToAddress(log.Topics[1].Bytes()),
		Amount:     body.Amount,
		Reputation: body.Reputation,
		TxHash:     log.TxHash,
		Block:      log.BlockNumber,
	}, nil
}

func (c *Contract) DecodeClaimed(log types.Log) (*ClaimedEvent, error) {
	if len(log.Topics) != 3 || log.Topics[0] != c.ClaimedTopic() {
		return nil, fmt.Errorf("not a %s log", EventClaimed)
	}
	var body struct {
		Amount           *big.Int
		ReputationPoints *big.Int
	}
	if err := c.abi.UnpackIntoInterface(&body, EventClaimed, log.Data); err != nil {
		return nil, fmt.Errorf("decode %s: %w", EventClaimed, err)
	}
	return &ClaimedEvent{
		Recipient:        common.BytesToAddress(log.Topics[1].Bytes()),
		TxID:             log.Topics[2],
		Amount:           body.Amount,
		ReputationPoints: body.ReputationPoints,
		TxHash:           log.TxHash,
		Block:            log.BlockNumber,
	}, nil
}

// StakedLog / ClaimedLog build logs as the contract would emit them.
// Tests use them to emulate the deployed contract.
func (c *Contract) StakedLog(staker common.Address, amount, reputation *big.Int) (types.Log, error) {
	data, err := c.abi.Events[EventStaked].Inputs.NonIndexed().Pack(amount, reputation)
	if err != nil {
		return types.Log{}, err
	}
	return types.Log{
		Address: c.Address,
		Topics:  []common.Hash{c.StakedTopic(), common.BytesToHash(staker.Bytes())},
		Data:    data,
	}, nil
}

func (c *Contract) ClaimedLog(recipient common.Address, txid common.Hash, amount, points *big.Int) (types.Log, error) {
	data, err := c.abi.Events[EventClaimed].Inputs.NonIndexed().Pack(amount, points)
	if err != nil {
		return types.Log{}, err
	}
	return types.Log{
		Address: c.Address,
		Topics:  []common.Hash{c.ClaimedTopic(), common.BytesToHash(recipient.Bytes()), txid},
		Data:    data,
	}, nil
}

var (
	tAddress, _ = abi.NewType("address", "", nil)
	tUint256, _ = abi.NewType("uint256", "", nil)
	tBytes32, _ = abi.NewType("bytes32", "", nil)
	tString, _  = abi.NewType("string", "", nil)
)

// RewardTxID is the replay key of a reward: keccak256(abi.encode(wallet, activityType, proofId)).
func RewardTxID(wallet common.Address, activityType, proofID string) (common.Hash, error) {
	args := abi.Arguments{{Type: tAddress}, {Type: tString}, {Type: tString}}
	packed, err := args.Pack(wallet, activityType, proofID)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(packed), nil
}

// RewardDigest is what the reward signer signs with personal_sign:
// keccak256(abi.encode(contract, chainId, recipient, amount, reputationPoints, txid)).
func RewardDigest(contract common.Address, chainID *big.Int, recipient common.Address, amount, points *big.Int, txid common.Hash) (common.Hash, error) {
	args := abi.Arguments{
		{Type: tAddress}, {Type: tUint256}, {Type: tAddress},
		{Type: tUint256}, {Type: tUint256}, {Type: tBytes32},
	}
	packed, err := args.Pack(contract, chainID, recipient, amount, points, [32]byte(txid))
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(packed), nil
}
