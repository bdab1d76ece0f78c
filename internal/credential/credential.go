package credential

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/recallnet/base-aerodrome-agent/internal/errors"
	"github.com/recallnet/base-aerodrome-agent/internal/httpx"
	"github.com/recallnet/base-aerodrome-agent/internal/registry"
	"github.com/recallnet/base-aerodrome-agent/internal/signer"
	"github.com/recallnet/base-aerodrome-agent/internal/version"
)

const (
	HeaderAPIKey = "X-API-Key"

	FieldGrantMessage   = "grantMessage"
	FieldGrantSignature = "grantSignature"
	FieldWalletAddress  = "walletAddress"
)

type Mode string

const (
	ModeAPIKey Mode = "api-key"
	ModeWallet Mode = "wallet"
)

// AuthFields are attached to every outbound completion request.
type AuthFields struct {
	Headers    map[string]string
	BodyFields map[string]string
}

type Provider interface {
	Mode() Mode
	AuthFields(ctx context.Context) (AuthFields, error)
}

type Config struct {
	APIKey       string
	Signer       signer.MessageSigner
	GrantBaseURL string
	GrantTimeout time.Duration
}

// New picks the credential mode. An API key wins when both are supplied.
func New(cfg Config) (Provider, error) {
	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		return NewAPIKey(key), nil
	}
	if cfg.Signer != nil {
		return NewWallet(cfg.Signer, cfg.GrantBaseURL, cfg.GrantTimeout)
	}
	return nil, clierr.New(clierr.CodeConfig, "no credential configured: set an API key or a wallet private key")
}

type APIKey struct {
	key string
}

func NewAPIKey(key string) *APIKey {
	return &APIKey{key: key}
}

func (p *APIKey) Mode() Mode { return ModeAPIKey }

func (p *APIKey) AuthFields(context.Context) (AuthFields, error) {
	return AuthFields{
		Headers:    map[string]string{HeaderAPIKey: p.key},
		BodyFields: map[string]string{},
	}, nil
}

// Grant is a challenge fetched from the service and signed locally.
type Grant struct {
	Message   string
	Signature string
}

type Wallet struct {
	signer  signer.MessageSigner
	baseURL string
	http    *httpx.Client
}

func NewWallet(s signer.MessageSigner, grantBaseURL string, timeout time.Duration) (*Wallet, error) {
	base := strings.TrimRight(strings.TrimSpace(grantBaseURL), "/")
	if base == "" {
		return nil, clierr.New(clierr.CodeConfig, "wallet credential requires a grant base url")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Wallet{
		signer:  s,
		baseURL: base,
		http:    httpx.New(timeout, 0, httpx.WithStatusMapper(grantStatusMapper), httpx.WithUserAgent(version.UserAgent())),
	}, nil
}

func (p *Wallet) Mode() Mode { return ModeWallet }

func (p *Wallet) Address() common.Address { return p.signer.Address() }

// AuthFields fetches a fresh grant on every call; grants are never cached.
func (p *Wallet) AuthFields(ctx context.Context) (AuthFields, error) {
	grant, err := p.FetchGrant(ctx)
	if err != nil {
		return AuthFields{}, err
	}
	return AuthFields{
		Headers: map[string]string{"Content-Type": "application/json"},
		BodyFields: map[string]string{
			FieldGrantMessage:   grant.Message,
			FieldGrantSignature: grant.Signature,
			FieldWalletAddress:  p.signer.Address().Hex(),
		},
	}, nil
}

func (p *Wallet) FetchGrant(ctx context.Context) (Grant, error) {
	message, err := p.fetchChallenge(ctx)
	if err != nil {
		return Grant{}, err
	}
	sig, err := p.signer.SignPersonalMessage([]byte(message))
	if err != nil {
		return Grant{}, clierr.Wrap(clierr.CodeSigner, "sign grant challenge", err)
	}
	return Grant{Message: message, Signature: "0x" + hex.EncodeToString(sig)}, nil
}

func (p *Wallet) fetchChallenge(ctx context.Context) (string, error) {
	endpoint := registry.JoinEndpoint(p.baseURL, registry.GrantMessagePath) + "?address=" + url.QueryEscape(p.signer.Address().Hex())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeInternal, "build grant request", err)
	}
	req.Header.Set("Accept", "application/json, text/plain")
	body, _, err := p.http.Do(ctx, req)
	if err != nil {
		if clierr.IsCode(err, clierr.CodeAuth) {
			return "", err
		}
		return "", clierr.Auth(clierr.StageGrantFetch, 0, "fetch grant challenge", err)
	}
	message, err := parseChallenge(body)
	if err != nil {
		return "", clierr.Auth(clierr.StageGrantFetch, http.StatusOK, "parse grant challenge", err)
	}
	return message, nil
}

// parseChallenge accepts {"message": "..."} or a bare text body.
func parseChallenge(body []byte) (string, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return "", fmt.Errorf("empty challenge")
	}
	if strings.HasPrefix(trimmed, "{") {
		var payload struct {
			Success *bool  `json:"success"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
			return "", fmt.Errorf("decode challenge: %w", err)
		}
		if payload.Success != nil && !*payload.Success {
			return "", fmt.Errorf("service refused grant challenge")
		}
		if payload.Message == "" {
			return "", fmt.Errorf("challenge missing message")
		}
		return payload.Message, nil
	}
	return trimmed, nil
}

func grantStatusMapper(statusCode int, body []byte) error {
	msg := fmt.Sprintf("grant challenge request failed (status %d)", statusCode)
	if snippet := strings.TrimSpace(string(body)); snippet != "" {
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		msg += ": " + snippet
	}
	return clierr.Auth(clierr.StageGrantFetch, statusCode, msg, nil)
}
