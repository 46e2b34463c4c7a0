package dispatch

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Signer produces EIP-155 signed transactions for one chain's account. Each
// chain's signing key is owned exclusively by its dispatcher (spec §5).
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// KeyError wraps a keystore lookup or decryption failure (spec §6 exit code
// 2), distinct from a malformed configuration file (exit code 1).
type KeyError struct {
	Err error
}

func (e *KeyError) Error() string { return fmt.Sprintf("dispatch: key: %v", e.Err) }
func (e *KeyError) Unwrap() error { return e.Err }

// KeystoreSigner decrypts an account from a JSON keystore directory and
// signs with it, the teacher's standard signing path
// (accounts/keystore.KeyStore.SignTx, exercised in keystore_passphrase_test.go
// and keystore_test.go).
type KeystoreSigner struct {
	ks      *keystore.KeyStore
	account accounts.Account
}

// NewKeystoreSigner opens the keystore directory, locates the account
// matching address, and unlocks it with password. Decryption failure is a
// configuration-time fatal error (spec §6 exit code 2).
func NewKeystoreSigner(keydir string, address common.Address, password string) (*KeystoreSigner, error) {
	ks := keystore.NewKeyStore(keydir, keystore.StandardScryptN, keystore.StandardScryptP)
	account, err := ks.Find(accounts.Account{Address: address})
	if err != nil {
		return nil, &KeyError{Err: fmt.Errorf("locate account %s in %s: %w", address.Hex(), keydir, err)}
	}
	if err := ks.Unlock(account, password); err != nil {
		return nil, &KeyError{Err: fmt.Errorf("decrypt key for %s: %w", address.Hex(), err)}
	}
	return &KeystoreSigner{ks: ks, account: account}, nil
}

func (s *KeystoreSigner) Address() common.Address { return s.account.Address }

func (s *KeystoreSigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return s.ks.SignTx(s.account, tx, chainID)
}
