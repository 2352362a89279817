package dto

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

type RewardSignRequest struct {
	WalletAddress string `json:"walletAddress"`
	ActivityType  string `json:"activityType"`
	ProofID       string `json:"proofId"`
}
