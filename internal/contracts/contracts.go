// Package contracts packs calls to the collection and forwarder contracts.
package contracts

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// CollectionABI covers the collection functions the relayer calls.
const CollectionABI = `[
  {"type":"function","name":"mint","stateMutability":"nonpayable",
   "inputs":[{"name":"to","type":"address"},{"name":"tier","type":"string"}],"outputs":[]},
  {"type":"function","name":"airdrop","stateMutability":"nonpayable",
   "inputs":[{"name":"recipients","type":"address[]"},{"name":"tiers","type":"string[]"}],"outputs":[]},
  {"type":"function","name":"totalSupply","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"uint256"}]}
]`

// ForwarderABI is the ERC-2771 MinimalForwarder surface.
const ForwarderABI = `[
  {"type":"function","name":"execute","stateMutability":"payable",
   "inputs":[
     {"name":"req","type":"tuple","components":[
       {"name":"from","type":"address"},
       {"name":"to","type":"address"},
       {"name":"value","type":"uint256"},
       {"name":"gas","type":"uint256"},
       {"name":"nonce","type":"uint256"},
       {"name":"data","type":"bytes"}]},
     {"name":"signature","type":"bytes"}],
   "outputs":[{"name":"","type":"bool"},{"name":"","type":"bytes"}]},
  {"type":"function","name":"getNonce","stateMutability":"view",
   "inputs":[{"name":"from","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"verify","stateMutability":"view",
   "inputs":[
     {"name":"req","type":"tuple","components":[
       {"name":"from","type":"address"},
       {"name":"to","type":"address"},
       {"name":"value","type":"uint256"},
       {"name":"gas","type":"uint256"},
       {"name":"nonce","type":"uint256"},
       {"name":"data","type":"bytes"}]},
     {"name":"signature","type":"bytes"}],
   "outputs":[{"name":"","type":"bool"}]}
]`

var (
	collectionABI = mustParse(CollectionABI)
	forwarderABI  = mustParse(ForwarderABI)
)

// ErrEmptyAirdrop is returned for an airdrop without recipients.
var ErrEmptyAirdrop = errors.New("空投名单为空")

func mustParse(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("invalid contract abi: %v", err))
	}
	return parsed
}

// Collection returns the parsed collection ABI.
func Collection() abi.ABI { return collectionABI }

// Forwarder returns the parsed forwarder ABI.
func Forwarder() abi.ABI { return forwarderABI }

// PackMint encodes mint(to, tier).
func PackMint(to common.Address, tier string) ([]byte, error) {
	return collectionABI.Pack("mint", to, tier)
}

// PackAirdrop encodes airdrop(recipients, tiers). Both slices must be
// non-empty and of equal length.
func PackAirdrop(recipients []common.Address, tiers []string) ([]byte, error) {
	if len(recipients) == 0 {
		return nil, ErrEmptyAirdrop
	}
	if len(recipients) != len(tiers) {
		return nil, fmt.Errorf("空投地址数 %d 与 tier 数 %d 不一致", len(recipients), len(tiers))
	}
	return collectionABI.Pack("airdrop", recipients, tiers)
}

// PackTotalSupply encodes totalSupply().
func PackTotalSupply() ([]byte, error) {
	return collectionABI.Pack("totalSupply")
}

// UnpackTotalSupply decodes the totalSupply() result.
func UnpackTotalSupply(data []byte) (*big.Int, error) {
	return unpackUint(collectionABI, "totalSupply", data)
}

// ForwardRequest is the tuple accepted by MinimalForwarder.execute. Field
// names must match the ABI component names.
type ForwardRequest struct {
	From  common.Address
	To    common.Address
	Value *big.Int
	Gas   *big.Int
	Nonce *big.Int
	Data  []byte
}

// PackExecute encodes execute(req, signature).
func PackExecute(req ForwardRequest, signature []byte) ([]byte, error) {
	return forwarderABI.Pack("execute", req, signature)
}

// PackGetNonce encodes getNonce(from).
func PackGetNonce(from common.Address) ([]byte, error) {
	return forwarderABI.Pack("getNonce", from)
}

// UnpackNonce decodes the getNonce(from) result.
func UnpackNonce(data []byte) (*big.Int, error) {
	return unpackUint(forwarderABI, "getNonce", data)
}

func unpackUint(contract abi.ABI, method string, data []byte) (*big.Int, error) {
	out, err := contract.Unpack(method, data)
	if err != nil {
		return nil, fmt.Errorf("解码 %s 返回值失败: %w", method, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("%s 返回值数量异常: %d", method, len(out))
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s 返回值类型异常: %T", method, out[0])
	}
	return v, nil
}
