// Package chain anchors payloads on an Ethereum-compatible chain.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"anchorScope/internal/ledger"
	"anchorScope/internal/model"
)

// WriterConfig configures the Ethereum ledger writer.
type WriterConfig struct {
	// To receives the zero-value data transaction. Nil sends to the signer.
	To *common.Address
	// GasLimit overrides gas estimation when non-zero.
	GasLimit uint64
}

// Writer implements ledger.Writer by embedding payloads in transaction data.
// It keeps no per-payload state: the committer persists the signed bytes and
// hands them back to Send on every attempt.
type Writer struct {
	backend Backend
	key     *ecdsa.PrivateKey
	from    common.Address
	cfg     WriterConfig
	logger  *zap.Logger

	mu      sync.Mutex
	chainID *big.Int
}

var _ ledger.Writer = (*Writer)(nil)

func NewWriter(backend Backend, key *ecdsa.PrivateKey, cfg WriterConfig, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		backend: backend,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		cfg:     cfg,
		logger:  logger,
	}
}

// From returns the signing address.
func (w *Writer) From() common.Address {
	return w.from
}

// Sign builds and signs a transaction carrying payload at the current
// pending nonce.
func (w *Writer) Sign(ctx context.Context, payload []byte) (*ledger.SignedTx, error) {
	tx, err := w.sign(ctx, payload)
	if err != nil {
		return nil, err
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, &model.BroadcastError{Fatal: true, Err: fmt.Errorf("encode transaction: %w", err)}
	}
	return &ledger.SignedTx{Txid: tx.Hash().Hex(), Raw: raw}, nil
}

// Send submits the signed transaction unless the node already has it.
func (w *Writer) Send(ctx context.Context, signed *ledger.SignedTx) (string, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(signed.Raw); err != nil {
		return "", &model.BroadcastError{Fatal: true, Err: fmt.Errorf("decode transaction: %w", err)}
	}
	txid := tx.Hash().Hex()
	if signed.Txid != "" && !strings.EqualFold(signed.Txid, txid) {
		return "", &model.BroadcastError{Fatal: true, Err: fmt.Errorf("txid %s does not match transaction %s", signed.Txid, txid)}
	}

	known, err := w.known(ctx, tx.Hash())
	if err != nil {
		return "", err
	}
	if known {
		w.logger.Debug("anchor transaction already broadcast", zap.String("txid", txid))
		return txid, nil
	}

	if err := w.backend.SendTransaction(ctx, tx); err != nil {
		if isAlreadyKnown(err) {
			return txid, nil
		}
		if isNonceTooLow(err) {
			// Mined between the lookup and the send, or the nonce went to
			// another transaction and this one can never be mined.
			if known, lookupErr := w.known(ctx, tx.Hash()); lookupErr == nil && known {
				return txid, nil
			}
			return "", &model.BroadcastError{Fatal: true, Err: fmt.Errorf("send transaction: %w", err)}
		}
		return "", classifySendError(err)
	}

	w.logger.Info("anchor transaction sent",
		zap.String("txid", txid),
		zap.Uint64("nonce", tx.Nonce()),
		zap.Int("payload_bytes", len(tx.Data())),
	)
	return txid, nil
}

func (w *Writer) known(ctx context.Context, hash common.Hash) (bool, error) {
	_, _, err := w.backend.TransactionByHash(ctx, hash)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ethereum.NotFound) {
		return false, nil
	}
	return false, &model.BroadcastError{Err: fmt.Errorf("lookup transaction: %w", err)}
}

// TransactionExists reports whether txid has been mined successfully.
func (w *Writer) TransactionExists(ctx context.Context, txid string) (bool, error) {
	if !isTxHash(txid) {
		return false, fmt.Errorf("invalid txid: %s", txid)
	}
	receipt, err := w.backend.TransactionReceipt(ctx, common.HexToHash(txid))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return false, nil
		}
		return false, fmt.Errorf("fetch receipt: %w", err)
	}
	return receipt.Status == types.ReceiptStatusSuccessful, nil
}

func (w *Writer) sign(ctx context.Context, payload []byte) (*types.Transaction, error) {
	chainID, err := w.getChainID(ctx)
	if err != nil {
		return nil, &model.BroadcastError{Err: fmt.Errorf("get chain id: %w", err)}
	}
	nonce, err := w.backend.PendingNonceAt(ctx, w.from)
	if err != nil {
		return nil, &model.BroadcastError{Err: fmt.Errorf("get nonce: %w", err)}
	}
	gasPrice, err := w.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &model.BroadcastError{Err: fmt.Errorf("suggest gas price: %w", err)}
	}

	to := w.from
	if w.cfg.To != nil {
		to = *w.cfg.To
	}
	gas := w.cfg.GasLimit
	if gas == 0 {
		gas, err = w.backend.EstimateGas(ctx, ethereum.CallMsg{From: w.from, To: &to, Data: payload})
		if err != nil {
			return nil, &model.BroadcastError{Err: fmt.Errorf("estimate gas: %w", err)}
		}
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     payload,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), w.key)
	if err != nil {
		return nil, &model.BroadcastError{Fatal: true, Err: fmt.Errorf("sign transaction: %w", err)}
	}
	return signed, nil
}

func (w *Writer) getChainID(ctx context.Context) (*big.Int, error) {
	w.mu.Lock()
	id := w.chainID
	w.mu.Unlock()
	if id != nil {
		return id, nil
	}

	id, err := w.backend.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	w.chainID = id
	w.mu.Unlock()
	return id, nil
}

func isNonceTooLow(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "nonce too low")
}

func isAlreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "already imported")
}

var fatalSendErrors = []string{
	"insufficient funds",
	"invalid sender",
	"intrinsic gas too low",
	"exceeds block gas limit",
	"oversized data",
	"transaction type not supported",
}

func classifySendError(err error) error {
	msg := strings.ToLower(err.Error())
	for _, s := range fatalSendErrors {
		if strings.Contains(msg, s) {
			return &model.BroadcastError{Fatal: true, Err: fmt.Errorf("send transaction: %w", err)}
		}
	}
	return &model.BroadcastError{Err: fmt.Errorf("send transaction: %w", err)}
}

func isTxHash(s string) bool {
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}
