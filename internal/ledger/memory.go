package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"anchorScope/internal/model"
)

// MemoryWriter is an in-process ledger. Its transactions are the payloads
// themselves, so signing the same payload twice yields the same txid.
// Transactions exist once mined; with autoMine set every send is mined
// immediately. Nothing survives the process.
type MemoryWriter struct {
	mu       sync.Mutex
	autoMine bool
	payloads map[string][]byte
	mined    map[string]bool
	sends    int
}

func NewMemoryWriter(autoMine bool) *MemoryWriter {
	return &MemoryWriter{
		autoMine: autoMine,
		payloads: make(map[string][]byte),
		mined:    make(map[string]bool),
	}
}

func (w *MemoryWriter) Sign(ctx context.Context, payload []byte) (*SignedTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &SignedTx{Txid: memoryTxid(payload), Raw: append([]byte(nil), payload...)}, nil
}

func (w *MemoryWriter) Send(ctx context.Context, tx *SignedTx) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	txid := memoryTxid(tx.Raw)
	if tx.Txid != "" && tx.Txid != txid {
		return "", &model.BroadcastError{Fatal: true, Err: fmt.Errorf("txid %s does not match transaction", tx.Txid)}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.payloads[txid]; ok {
		return txid, nil
	}
	w.payloads[txid] = append([]byte(nil), tx.Raw...)
	w.sends++
	if w.autoMine {
		w.mined[txid] = true
	}
	return txid, nil
}

func (w *MemoryWriter) TransactionExists(ctx context.Context, txid string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mined[txid], nil
}

func memoryTxid(raw []byte) string {
	sum := sha256.Sum256(raw)
	sum = sha256.Sum256(sum[:])
	return hex.EncodeToString(sum[:])
}

// Mine marks every broadcast transaction as existing.
func (w *MemoryWriter) Mine() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for txid := range w.payloads {
		w.mined[txid] = true
	}
}

// Payload returns the bytes sent under txid.
func (w *MemoryWriter) Payload(txid string) ([]byte, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.payloads[txid]
	return p, ok
}

// Sends is the number of distinct transactions sent.
func (w *MemoryWriter) Sends() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sends
}
