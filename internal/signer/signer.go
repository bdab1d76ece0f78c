package signer

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type Signer interface {
	Address() common.Address
	SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error)
}

// MessageSigner signs EIP-191 personal messages.
type MessageSigner interface {
	Address() common.Address
	SignPersonalMessage(message []byte) ([]byte, error)
}
