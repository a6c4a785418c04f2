package faucet

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"dex-liquidity-bot/internal/config"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const accountsPath = "/api/v1/accounts"

var ErrRegistrationRejected = errors.New("faucet rejected registration")

type accountRequest struct {
	Account accountPayload `json:"account"`
}

type accountPayload struct {
	Name      string `json:"name"`
	OwnerKey  string `json:"owner_key"`
	ActiveKey string `json:"active_key"`
	MemoKey   string `json:"memo_key"`
	Refcode   string `json:"refcode"`
	Referrer  string `json:"referrer"`
}

// Client registers new ledger accounts through an onboarding faucet.
type Client struct {
	referrer string
	client   *resty.Client
	log      *zap.Logger
}

func New(cfg config.FaucetConfig, log *zap.Logger) *Client {
	return newClient(cfg, log, &http.Client{Timeout: cfg.Timeout})
}

func newClient(cfg config.FaucetConfig, log *zap.Logger, httpClient *http.Client) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		referrer: strings.TrimSpace(cfg.Referrer),
		client:   resty.NewWithClient(httpClient).SetBaseURL(strings.TrimRight(cfg.URL, "/")),
		log:      log,
	}
}

// Register asks the faucet to create account with publicKey as its owner,
// active and memo key. Only 201 Created counts as success; the response body
// is returned either way.
func (c *Client) Register(ctx context.Context, account, publicKey string) (string, error) {
	account = strings.TrimSpace(account)
	publicKey = strings.TrimSpace(publicKey)
	if account == "" || publicKey == "" {
		return "", errors.New("account name and public key are required")
	}
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetBody(accountRequest{Account: accountPayload{
			Name:      account,
			OwnerKey:  publicKey,
			ActiveKey: publicKey,
			MemoKey:   publicKey,
			Refcode:   c.referrer,
			Referrer:  c.referrer,
		}}).
		Post(accountsPath)
	if err != nil {
		return "", fmt.Errorf("faucet request: %w", err)
	}
	body := strings.TrimSpace(resp.String())
	if resp.StatusCode() != http.StatusCreated {
		c.log.Warn("faucet registration failed", zap.String("account", account), zap.Int("status", resp.StatusCode()))
		return body, fmt.Errorf("%w: http %d: %s", ErrRegistrationRejected, resp.StatusCode(), body)
	}
	c.log.Info("account registered", zap.String("account", account))
	return body, nil
}
