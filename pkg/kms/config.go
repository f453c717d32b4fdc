package kms

import (
	"fmt"

	"agent-wallet-core/pkg/config"
	"agent-wallet-core/pkg/keystore"
)

// FromConfig builds the wallet selected by cfg.Mode. For local custody the
// key source is tried in order: private_key, mnemonic, keystore file.
func FromConfig(cfg config.WalletConfig) (Wallet, error) {
	switch cfg.Mode {
	case CustodyRemote:
		return NewRemoteSigner(cfg.RemoteURL, cfg.RemoteAPIKey, cfg.RemoteAddress, cfg.RemoteTimeout)
	case CustodyLocal, "":
		return localFromConfig(cfg)
	default:
		return nil, fmt.Errorf("unknown wallet mode %q", cfg.Mode)
	}
}

func localFromConfig(cfg config.WalletConfig) (Wallet, error) {
	if cfg.PrivateKey != "" {
		return NewLocalSignerFromHex(cfg.PrivateKey)
	}
	if cfg.Mnemonic != "" {
		return NewLocalSignerFromMnemonic(cfg.Mnemonic, "", cfg.DerivationPath)
	}
	if cfg.KeystorePath == "" {
		return nil, ErrNoWallet
	}

	ks, err := keystore.LoadFromFile(cfg.KeystorePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoWallet, err)
	}
	secret, err := keystore.Decrypt(ks, cfg.Password)
	if err != nil {
		return nil, fmt.Errorf("unlock keystore: %w", err)
	}
	if ks.Kind == keystore.KindMnemonic {
		return NewLocalSignerFromMnemonic(secret, "", cfg.DerivationPath)
	}
	return NewLocalSignerFromHex(secret)
}
