package walletlink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/learnverse/backend/internal/models"
	"go.uber.org/zap"
)

// Endpoints are the backend paths, relative to the base URL.
type Endpoints struct {
	Challenge  string
	Verify     string
	Session    string
	Logout     string
	RewardSign string
}

func DefaultEndpoints() Endpoints {
	return Endpoints{
		Challenge:  "/api/wallet/challenge",
		Verify:     "/api/wallet/verify",
		Session:    "/api/wallet/session",
		Logout:     "/api/wallet/logout",
		RewardSign: "/api/wallet/rewards/sign",
	}
}

// BackendError is a non-success answer from the wallet API.
type BackendError struct {
	Status  int
	Message string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("wallet api returned %d: %s", e.Status, e.Message)
}

// BackendClient talks to the wallet API.
type BackendClient struct {
	baseURL    string
	endpoints  Endpoints
	httpClient *http.Client
	log        *zap.Logger
}

// NewBackendClient creates a client. jar keeps the session cookie between
// calls and may be nil. timeout <= 0 means 15s.
func NewBackendClient(baseURL string, endpoints Endpoints, jar http.CookieJar, timeout time.Duration, log *zap.Logger) *BackendClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &BackendClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		endpoints: endpoints,
		httpClient: &http.Client{
			Timeout: timeout,
			Jar:     jar,
		},
		log: log,
	}
}

type ChallengeRequest struct {
	Address string `json:"address"`
	ChainID int64  `json:"chainId"`
	DID     string `json:"did"`
}

type VerifyRequest struct {
	Message   string `json:"message"`
	Signature string `json:"signature"`
	Address   string `json:"address"`
	ChainID   int64  `json:"chainId"`
	DID       string `json:"did"`
	RequestID string `json:"requestId"`
}

// RemoteSession is the session object returned by verify and session.
type RemoteSession struct {
	Address    string `json:"address"`
	ChainID    int64  `json:"chainId"`
	DID        string `json:"did"`
	VerifiedAt string `json:"verifiedAt"`
}

type RewardSignRequest struct {
	WalletAddress string `json:"walletAddress"`
	ActivityType  string `json:"activityType"`
	ProofID       string `json:"proofId"`
}

// RequestChallenge asks for a signable challenge. A response without a
// message is an error.
func (c *BackendClient) RequestChallenge(ctx context.Context, req ChallengeRequest) (models.Challenge, error) {
	var resp struct {
		Challenge *models.Challenge `json:"challenge"`
	}
	if err := c.do(ctx, http.MethodPost, c.endpoints.Challenge, req, &resp); err != nil {
		return models.Challenge{}, err
	}
	if resp.Challenge == nil || resp.Challenge.Message == "" {
		return models.Challenge{}, &BackendError{Status: http.StatusOK, Message: "challenge response has no message"}
	}
	return *resp.Challenge, nil
}

func (c *BackendClient) Verify(ctx context.Context, req VerifyRequest) (RemoteSession, error) {
	var resp struct {
		Session *RemoteSession `json:"session"`
	}
	if err := c.do(ctx, http.MethodPost, c.endpoints.Verify, req, &resp); err != nil {
		return RemoteSession{}, err
	}
	if resp.Session == nil {
		return RemoteSession{}, nil
	}
	return *resp.Session, nil
}

// FetchSession returns the cookie-authenticated server session.
func (c *BackendClient) FetchSession(ctx context.Context) (RemoteSession, error) {
	var resp struct {
		Session *RemoteSession `json:"session"`
	}
	if err := c.do(ctx, http.MethodGet, c.endpoints.Session, nil, &resp); err != nil {
		return RemoteSession{}, err
	}
	if resp.Session == nil || resp.Session.Address == "" {
		return RemoteSession{}, &BackendError{Status: http.StatusOK, Message: "no session"}
	}
	return *resp.Session, nil
}

func (c *BackendClient) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, c.endpoints.Logout, nil, nil)
}

// SignReward requests a backend-signed claim authorization. It satisfies
// ledger.RewardSigner.
func (c *BackendClient) SignReward(ctx context.Context, walletAddress, activityType, proofID string) (models.RewardAuthorization, error) {
	var resp struct {
		Reward *models.RewardAuthorization `json:"reward"`
	}
	req := RewardSignRequest{WalletAddress: walletAddress, ActivityType: activityType, ProofID: proofID}
	if err := c.do(ctx, http.MethodPost, c.endpoints.RewardSign, req, &resp); err != nil {
		return models.RewardAuthorization{}, err
	}
	if resp.Reward == nil {
		return models.RewardAuthorization{}, nil
	}
	return *resp.Reward, nil
}

func (c *BackendClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	reqID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", reqID)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("wallet api unavailable: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read wallet api response: %w", err)
	}

	var envelope struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(raw, &envelope)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := envelope.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		c.log.Debug("wallet api error",
			zap.String("path", path),
			zap.String("request_id", reqID),
			zap.Int("status", resp.StatusCode),
			zap.String("error", msg),
		)
		return &BackendError{Status: resp.StatusCode, Message: msg}
	}
	if envelope.Error != "" {
		return &BackendError{Status: resp.StatusCode, Message: envelope.Error}
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode wallet api response: %w", err)
	}
	return nil
}
