package normalise

import (
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const erc20TransferABIJSON = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "from", "type": "address"},
      {"indexed": true, "internalType": "address", "name": "to", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "value", "type": "uint256"}
    ],
    "name": "Transfer",
    "type": "event"
  }
]`

var (
	erc20ABI     abi.ABI
	erc20ABIOnce sync.Once
	erc20ABIErr  error
)

// ERC20ABI returns the parsed ERC-20 Transfer event ABI.
func ERC20ABI() (abi.ABI, error) {
	erc20ABIOnce.Do(func() {
		erc20ABI, erc20ABIErr = abi.JSON(strings.NewReader(erc20TransferABIJSON))
	})
	return erc20ABI, erc20ABIErr
}

type erc20Transfer struct {
	From  common.Address
	To    common.Address
	Value *big.Int
}

func decodeTransfer(event abi.Event, topics []string, dataHex string) (erc20Transfer, error) {
	indexedTopics, err := parseIndexedTopics(event, topics)
	if err != nil {
		return erc20Transfer{}, err
	}
	if indexedTopics.topic0 != event.ID {
		return erc20Transfer{}, fmt.Errorf("unsupported topic0: %s", indexedTopics.topic0.Hex())
	}

	var indexed struct {
		From common.Address
		To   common.Address
	}
	if err := abi.ParseTopics(&indexed, indexedArguments(event.Inputs), indexedTopics.rest); err != nil {
		return erc20Transfer{}, fmt.Errorf("parse topics: %w", err)
	}

	data, err := hexutil.Decode(dataHex)
	if err != nil {
		return erc20Transfer{}, fmt.Errorf("invalid data: %w", err)
	}
	values, err := event.Inputs.NonIndexed().Unpack(data)
	if err != nil {
		return erc20Transfer{}, fmt.Errorf("unpack %s: %w", event.Name, err)
	}
	if len(values) != 1 {
		return erc20Transfer{}, fmt.Errorf("unexpected transfer values: %d", len(values))
	}
	value, ok := values[0].(*big.Int)
	if !ok {
		return erc20Transfer{}, fmt.Errorf("unexpected value type %T", values[0])
	}

	return erc20Transfer{From: indexed.From, To: indexed.To, Value: value}, nil
}

type topicSet struct {
	topic0 common.Hash
	rest   []common.Hash
}

func parseIndexedTopics(event abi.Event, topics []string) (topicSet, error) {
	indexedCount := len(indexedArguments(event.Inputs))
	if len(topics) != indexedCount+1 {
		return topicSet{}, fmt.Errorf("expected %d topics, got %d", indexedCount+1, len(topics))
	}
	hashes, err := parseTopicHashes(topics)
	if err != nil {
		return topicSet{}, err
	}
	return topicSet{topic0: hashes[0], rest: hashes[1:]}, nil
}

func parseTopicHashes(topics []string) ([]common.Hash, error) {
	out := make([]common.Hash, 0, len(topics))
	for _, topic := range topics {
		data, err := hexutil.Decode(topic)
		if err != nil {
			return nil, fmt.Errorf("invalid topic: %w", err)
		}
		if len(data) > 32 {
			return nil, fmt.Errorf("topic length %d", len(data))
		}
		out = append(out, common.BytesToHash(data))
	}
	return out, nil
}

func indexedArguments(args abi.Arguments) abi.Arguments {
	indexed := make(abi.Arguments, 0, len(args))
	for _, arg := range args {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	return indexed
}
