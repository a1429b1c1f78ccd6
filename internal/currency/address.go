package currency

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/ethereum/go-ethereum/common"
)

// AddressFormat names a chain's address encoding rule.
type AddressFormat string

const (
	DogecoinFormat AddressFormat = "doge-base58check"
	TronFormat     AddressFormat = "tron-base58check"
	SolanaFormat   AddressFormat = "solana-base58"
	EVMFormat      AddressFormat = "evm-hex"
)

const (
	dogeVersion byte = 0x1e
	tronVersion byte = 0x41
)

// ValidateAddress checks addr strictly against the currency's format. It
// does not consult the chain.
func (s Spec) ValidateAddress(addr string) error {
	if addr == "" || strings.TrimSpace(addr) != addr {
		return fmt.Errorf("%w: empty or padded", ErrInvalidAddress)
	}
	switch s.Format {
	case DogecoinFormat:
		return checkBase58Check(addr, dogeVersion)
	case TronFormat:
		return checkBase58Check(addr, tronVersion)
	case SolanaFormat:
		if b := base58.Decode(addr); len(b) != 32 {
			return fmt.Errorf("%w: not a 32-byte base58 key", ErrInvalidAddress)
		}
		return nil
	case EVMFormat:
		if !strings.HasPrefix(addr, "0x") || !common.IsHexAddress(addr) {
			return fmt.Errorf("%w: not a 0x-prefixed hex address", ErrInvalidAddress)
		}
		body := addr[2:]
		mixed := strings.ToLower(body) != body && strings.ToUpper(body) != body
		if mixed && common.HexToAddress(addr).Hex() != addr {
			return fmt.Errorf("%w: bad EIP-55 checksum", ErrInvalidAddress)
		}
		return nil
	default:
		return fmt.Errorf("%w: no rule for %s", ErrInvalidAddress, s.Code)
	}
}

func checkBase58Check(addr string, version byte) error {
	payload, v, err := base58.CheckDecode(addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if v != version || len(payload) != 20 {
		return fmt.Errorf("%w: wrong version or length", ErrInvalidAddress)
	}
	return nil
}

// EncodeAddress projects a 32-byte digest into the currency's address space.
func (s Spec) EncodeAddress(digest [32]byte) string {
	switch s.Format {
	case DogecoinFormat:
		return base58.CheckEncode(digest[:20], dogeVersion)
	case TronFormat:
		return base58.CheckEncode(digest[:20], tronVersion)
	case EVMFormat:
		return common.BytesToAddress(digest[12:]).Hex()
	default:
		return base58.Encode(digest[:])
	}
}
