package agentbinding

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// RecoverSigner recovers the address that produced sigHex over message via
// EIP-191 personal-sign, the scheme every EVM wallet's eth_sign/personal_sign
// uses. Exported so other packages needing the same wallet-ownership proof
// (e.g. user-identity wallet login) don't duplicate the recovery-id
// normalization and hashing.
func RecoverSigner(message, sigHex string) (common.Address, error) {
	return recoverSigner(message, sigHex)
}

func recoverSigner(message, sigHex string) (common.Address, error) {
	sig, err := hexutil.Decode(ensureHexPrefix(sigHex))
	if err != nil {
		return common.Address{}, fmt.Errorf("agentbinding: decode signature: %w", err)
	}
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("agentbinding: signature must be 65 bytes, got %d", len(sig))
	}

	// Wallets produce a recovery id of 27/28; SigToPub expects 0/1.
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	hash := accounts.TextHash([]byte(message))
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("agentbinding: recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func ensureHexPrefix(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s
	}
	return "0x" + s
}
