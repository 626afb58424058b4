package mint

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// editionsABI is the fixed ABI surface of the editions contract: token
// creation, minting and the creation event carrying the assigned token id.
const editionsABI = `[
	{"inputs":[{"name":"artist","type":"address"},{"name":"maxSupply","type":"uint256"},{"name":"metadataURI","type":"string"}],"name":"createToken","outputs":[{"name":"","type":"uint256"}],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"tokenId","type":"uint256"},{"name":"buyer","type":"address"},{"name":"amount","type":"uint256"}],"name":"mintToken","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"tokenId","type":"uint256"},{"indexed":true,"name":"artist","type":"address"}],"name":"TokenCreated","type":"event"}
]`

// Contract packs calls for the editions contract and decodes its events
type Contract struct {
	address common.Address
	abi     abi.ABI
}

func NewContract(address string) (*Contract, error) {
	parsed, err := abi.JSON(strings.NewReader(editionsABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse editions ABI: %w", err)
	}
	return &Contract{
		address: common.HexToAddress(address),
		abi:     parsed,
	}, nil
}

// Address returns the contract address
func (c *Contract) Address() common.Address {
	return c.address
}

// PackCreateToken encodes a createToken call
func (c *Contract) PackCreateToken(artist common.Address, maxSupply *big.Int, metadataURI string) ([]byte, error) {
	data, err := c.abi.Pack("createToken", artist, maxSupply, metadataURI)
	if err != nil {
		return nil, fmt.Errorf("failed to encode createToken calldata: %w", err)
	}
	return data, nil
}

// PackMintToken encodes a mintToken call
func (c *Contract) PackMintToken(tokenID *big.Int, buyer common.Address, amount *big.Int) ([]byte, error) {
	data, err := c.abi.Pack("mintToken", tokenID, buyer, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to encode mintToken calldata: %w", err)
	}
	return data, nil
}

// ParseTokenCreated extracts the assigned token id from a creation receipt's
// TokenCreated event
func (c *Contract) ParseTokenCreated(logs []*types.Log) (*big.Int, error) {
	eventID := c.abi.Events["TokenCreated"].ID
	for _, entry := range logs {
		if entry == nil || entry.Address != c.address {
			continue
		}
		if len(entry.Topics) < 2 || entry.Topics[0] != eventID {
			continue
		}
		return new(big.Int).SetBytes(entry.Topics[1].Bytes()), nil
	}
	return nil, fmt.Errorf("no TokenCreated event in receipt logs")
}
