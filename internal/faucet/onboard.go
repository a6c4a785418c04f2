package faucet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Wallet is the JSON-RPC surface of the ledger's command line wallet.
type Wallet interface {
	Call(ctx context.Context, method string, params ...any) (json.RawMessage, error)
}

type registrar interface {
	Register(ctx context.Context, account, publicKey string) (string, error)
}

type BrainKey struct {
	BrainPrivKey string `json:"brain_priv_key"`
	WIFPrivKey   string `json:"wif_priv_key"`
	PubKey       string `json:"pub_key"`
}

type walletAccount struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// OnboardResult describes what Onboard did. Registered is false when the
// wallet already held an account; BrainKey is set whenever one was generated.
type OnboardResult struct {
	Registered       bool
	ExistingAccounts []string
	BrainKey         *BrainKey
	FaucetResponse   string
}

// Onboard unlocks the wallet and, when it holds no account yet, registers
// account through the faucet with a fresh brain key and imports its private
// key. A wallet that already holds accounts is left alone.
func Onboard(ctx context.Context, wallet Wallet, faucet registrar, account, password string, log *zap.Logger) (OnboardResult, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if password != "" {
		// set_password fails once a password exists
		if _, err := wallet.Call(ctx, "set_password", password); err != nil {
			log.Debug("wallet password already set", zap.Error(err))
		}
		if _, err := wallet.Call(ctx, "unlock", password); err != nil {
			return OnboardResult{}, fmt.Errorf("unlock wallet: %w", err)
		}
	}
	raw, err := wallet.Call(ctx, "list_my_accounts")
	if err != nil {
		return OnboardResult{}, err
	}
	var accounts []walletAccount
	if err := json.Unmarshal(raw, &accounts); err != nil {
		return OnboardResult{}, fmt.Errorf("decode list_my_accounts: %w", err)
	}
	if len(accounts) > 0 {
		names := make([]string, 0, len(accounts))
		for _, a := range accounts {
			names = append(names, a.Name)
		}
		return OnboardResult{ExistingAccounts: names}, nil
	}

	raw, err = wallet.Call(ctx, "suggest_brain_key")
	if err != nil {
		return OnboardResult{}, err
	}
	var key BrainKey
	if err := json.Unmarshal(raw, &key); err != nil {
		return OnboardResult{}, fmt.Errorf("decode suggest_brain_key: %w", err)
	}
	if key.PubKey == "" || key.WIFPrivKey == "" {
		return OnboardResult{}, errors.New("wallet returned an incomplete brain key")
	}
	res := OnboardResult{BrainKey: &key}
	res.FaucetResponse, err = faucet.Register(ctx, account, key.PubKey)
	if err != nil {
		return res, err
	}
	if _, err := wallet.Call(ctx, "import_key", account, key.WIFPrivKey); err != nil {
		return res, fmt.Errorf("import key: %w", err)
	}
	res.Registered = true
	log.Info("wallet onboarded", zap.String("account", account), zap.String("pub_key", key.PubKey))
	return res, nil
}
