package normalise

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"anchorScope/internal/model"
)

// ChainEthMapper handles Ethereum native transfers and ERC-20 Transfer logs.
type ChainEthMapper struct {
	transfer abi.Event
	err      error
}

func NewChainEthMapper() *ChainEthMapper {
	parsed, err := ERC20ABI()
	if err != nil {
		return &ChainEthMapper{err: fmt.Errorf("parse erc20 abi: %w", err)}
	}
	return &ChainEthMapper{transfer: parsed.Events["Transfer"]}
}

func (*ChainEthMapper) Source() model.Source { return model.SourceChainEth }

// Map treats payloads carrying topics as logs and everything else as a
// native transaction.
func (m *ChainEthMapper) Map(in Input) (*model.CanonicalEvent, error) {
	if m.err != nil {
		return nil, m.err
	}
	f, err := decodeFields(in.Raw)
	if err != nil {
		return nil, err
	}
	var out *model.CanonicalEvent
	if _, isLog := f["topics"]; isLog {
		out, err = m.mapLog(f)
	} else {
		out, err = m.mapNative(f)
	}
	if err != nil {
		return nil, err
	}

	if block, ok, err := f.bigInt("blockNumber"); err != nil {
		return nil, err
	} else if ok {
		out.Metadata["block_number"] = block.String()
	}
	ts, ok, err := f.timestamp("timestamp", "blockTimestamp")
	if err != nil {
		return nil, err
	}
	if ok {
		out.Timestamp = formatTimestamp(ts)
	}
	return out, nil
}

func (m *ChainEthMapper) mapNative(f fields) (*model.CanonicalEvent, error) {
	out := &model.CanonicalEvent{Metadata: map[string]string{"kind": "native"}, Currency: "ETH"}

	from, err := checksumAddress("from", f.str("from"))
	if err != nil {
		return nil, err
	}
	out.Sender = from
	if to := f.str("to"); to != "" {
		if out.Recipient, err = checksumAddress("to", to); err != nil {
			return nil, err
		}
	} else {
		out.Metadata["contract_creation"] = "true"
	}

	value, ok, err := f.bigInt("value")
	if err != nil {
		return nil, err
	}
	if !ok {
		value = new(big.Int)
	}
	out.Amount = fromBaseUnits(value, weiDecimals)
	setIfPresent(out.Metadata, "tx_hash", strings.ToLower(f.str("hash", "txHash", "transactionHash")))
	return out, nil
}

func (m *ChainEthMapper) mapLog(f fields) (*model.CanonicalEvent, error) {
	rawTopics := f.list("topics")
	topics := make([]string, 0, len(rawTopics))
	for i, t := range rawTopics {
		s, ok := t.(string)
		if !ok {
			return nil, fmt.Errorf("topics[%d]: not a string", i)
		}
		topics = append(topics, s)
	}
	data := f.str("data")
	if data == "" {
		data = "0x"
	}
	token, err := checksumAddress("address", f.str("address"))
	if err != nil {
		return nil, err
	}

	tr, err := decodeTransfer(m.transfer, topics, data)
	if err != nil {
		return nil, err
	}

	out := &model.CanonicalEvent{
		Metadata:  map[string]string{"kind": "erc20_transfer", "token": token},
		Currency:  normaliseCurrency(f.str("symbol")),
		Sender:    tr.From.Hex(),
		Recipient: tr.To.Hex(),
	}
	if raw := f.str("decimals"); raw != "" {
		decimals, err := strconv.ParseUint(raw, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("field decimals: invalid value %q", raw)
		}
		out.Amount = fromBaseUnits(tr.Value, int32(decimals))
	} else {
		out.Amount = tr.Value.String()
		out.Metadata["amount_unit"] = "base"
	}

	setIfPresent(out.Metadata, "tx_hash", strings.ToLower(f.str("txHash", "transactionHash")))
	if idx, ok, err := f.bigInt("logIndex"); err != nil {
		return nil, err
	} else if ok {
		out.Metadata["log_index"] = idx.String()
	}
	return out, nil
}

func checksumAddress(field, s string) (string, error) {
	if !common.IsHexAddress(s) {
		return "", fmt.Errorf("field %s: invalid address %q", field, s)
	}
	return common.HexToAddress(s).Hex(), nil
}

// ChainSolMapper handles Solana transfers with lamport amounts.
type ChainSolMapper struct{}

func (ChainSolMapper) Source() model.Source { return model.SourceChainSol }

func (ChainSolMapper) Map(in Input) (*model.CanonicalEvent, error) {
	f, err := decodeFields(in.Raw)
	if err != nil {
		return nil, err
	}
	lamports, ok, err := f.bigInt("lamports")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("missing lamports")
	}

	out := &model.CanonicalEvent{
		Amount:    fromBaseUnits(lamports, lamportDecimals),
		Currency:  "SOL",
		Sender:    f.str("from", "source"),
		Recipient: f.str("to", "destination"),
		Metadata:  map[string]string{},
	}
	setIfPresent(out.Metadata, "signature", f.str("signature"))
	setIfPresent(out.Metadata, "slot", f.str("slot"))

	ts, ok, err := f.timestamp("blockTime", "timestamp")
	if err != nil {
		return nil, err
	}
	if ok {
		out.Timestamp = formatTimestamp(ts)
	}
	return out, nil
}

// ChainNativeMapper handles native-ledger payments with satoshi amounts.
type ChainNativeMapper struct{}

func (ChainNativeMapper) Source() model.Source { return model.SourceChainNative }

func (ChainNativeMapper) Map(in Input) (*model.CanonicalEvent, error) {
	f, err := decodeFields(in.Raw)
	if err != nil {
		return nil, err
	}
	sats, ok, err := f.bigInt("satoshis")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("missing satoshis")
	}

	out := &model.CanonicalEvent{
		Amount:    fromBaseUnits(sats, satoshiDecimals),
		Currency:  "BSV",
		Sender:    f.str("from"),
		Recipient: f.str("to"),
		Metadata:  map[string]string{},
	}
	setIfPresent(out.Metadata, "txid", strings.ToLower(f.str("txid")))
	setIfPresent(out.Metadata, "vout", f.str("vout"))

	ts, ok, err := f.timestamp("time", "timestamp")
	if err != nil {
		return nil, err
	}
	if ok {
		out.Timestamp = formatTimestamp(ts)
	}
	return out, nil
}
