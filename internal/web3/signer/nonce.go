package signer

import (
	"context"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "superdao-relay/internal/errors"
	"superdao-relay/internal/web3"
)

// NonceManager hands out sequential nonces for one address on one chain.
type NonceManager struct {
	backend web3.Backend
	address common.Address

	mu     sync.Mutex
	next   uint64
	loaded bool
	stale  bool
}

// NewNonceManager creates a manager that loads its first nonce lazily.
func NewNonceManager(backend web3.Backend, address common.Address) *NonceManager {
	return &NonceManager{backend: backend, address: address}
}

// Reserve returns the next nonce and a release func. Call release(true) once
// the transaction was accepted by the node and release(false) otherwise.
func (m *NonceManager) Reserve(ctx context.Context) (uint64, func(sent bool), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded || m.stale {
		if err := m.load(ctx); err != nil {
			return 0, nil, err
		}
	}
	nonce := m.next
	m.next++

	var once sync.Once
	release := func(sent bool) {
		once.Do(func() {
			if !sent {
				m.rollback(nonce)
			}
		})
	}
	return nonce, release, nil
}

func (m *NonceManager) rollback(nonce uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.next == nonce+1 {
		m.next = nonce
		return
	}
	// 之后的 nonce 已经发出，留下空洞，下次分配前与节点对齐。
	m.stale = true
}

// Resync reloads the pending nonce from the node.
func (m *NonceManager) Resync(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load(ctx)
}

// Peek returns the nonce Reserve would hand out next, without reserving it.
func (m *NonceManager) Peek() (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.next, m.loaded && !m.stale
}

func (m *NonceManager) load(ctx context.Context) error {
	nonce, err := m.backend.PendingNonceAt(ctx, m.address)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeChainFailure, err, "获取账户 nonce 失败")
	}
	m.next = nonce
	m.loaded = true
	m.stale = false
	return nil
}

// IsNonceError reports whether err is a node rejection caused by a stale nonce.
func IsNonceError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "replacement transaction underpriced")
}

func isInsufficientFunds(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "insufficient funds")
}
