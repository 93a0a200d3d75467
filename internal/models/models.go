package models

import (
	"errors"
	"strings"
	"time"
)

// ErrOnChainMetadata is returned by Project.TokenURI for projects whose metadata
// is resolved through a contract call rather than a URL template.
var ErrOnChainMetadata = errors.New("token metadata is resolved on-chain")

// Project is one tracked collection from the project catalog.
type Project struct {
	ID                  string  `json:"id"`
	Name                string  `json:"name"`
	IsArtBlocks         bool    `json:"isArtBlocks"`
	Address             string  `json:"address"`
	Collection          string  `json:"collection"`
	TotalMints          int     `json:"totalMints"`
	MintPrice           float64 `json:"mintPrice"`
	StartingTokenNumber int     `json:"startingTokenNumber"`
	StartTime           int64   `json:"startTime"`
	BaseURI             string  `json:"baseUri"`
	UseWeb3             bool    `json:"useWeb3"`
}

// TokenURI expands the project's URL template for the given token.
func (p Project) TokenURI(tokenID string) (string, error) {
	if p.UseWeb3 {
		return "", ErrOnChainMetadata
	}
	return strings.ReplaceAll(p.BaseURI, "[tokenId]", tokenID), nil
}

// LaunchTime returns the project's start time, or the zero time when unknown.
func (p Project) LaunchTime() time.Time {
	if p.StartTime == 0 {
		return time.Time{}
	}
	return time.Unix(p.StartTime, 0).UTC()
}

// Sale is a single completed marketplace transaction.
type Sale struct {
	EventID     int64     `json:"eventId"`
	ProjectID   string    `json:"projectId"`
	Collection  string    `json:"collection"`
	TokenID     string    `json:"tokenId"`
	TokenName   string    `json:"tokenName"`
	Price       float64   `json:"price"`
	Timestamp   time.Time `json:"timestamp"`
	FromAddress string    `json:"fromAccountAddress"`
	ToAddress   string    `json:"toAccountAddress"`
}

// Checkpoint marks the upper bound of completed ingestion for a project.
type Checkpoint struct {
	ProjectKey string    `json:"projectKey"`
	Watermark  time.Time `json:"watermark"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// AssetEventsPage is one page of the upstream events endpoint.
type AssetEventsPage struct {
	AssetEvents []AssetEvent `json:"asset_events"`
}

// AssetEvent is a raw upstream sale record.
type AssetEvent struct {
	ID           int64         `json:"id"`
	Asset        *Asset        `json:"asset"`
	IsPrivate    bool          `json:"is_private"`
	PaymentToken *PaymentToken `json:"payment_token"`
	TotalPrice   string        `json:"total_price"`
	Transaction  *Transaction  `json:"transaction"`
	CreatedDate  string        `json:"created_date"`
}

type Asset struct {
	TokenID string `json:"token_id"`
	Name    string `json:"name"`
}

type PaymentToken struct {
	Symbol   string  `json:"symbol"`
	Decimals int32   `json:"decimals"`
	EthPrice *string `json:"eth_price"`
}

type Transaction struct {
	FromAccount Account `json:"from_account"`
	ToAccount   Account `json:"to_account"`
}

type Account struct {
	Address string `json:"address"`
}

// DailyVolume is the per-day, per-project sales aggregate loaded into ClickHouse.
type DailyVolume struct {
	Date           time.Time `ch:"date" json:"date"`
	ProjectID      string    `ch:"project_id" json:"projectId"`
	SalesCount     uint64    `ch:"sales_count" json:"salesCount"`
	TotalVolumeEth float64   `ch:"total_volume_eth" json:"totalVolumeEth"`
	TotalVolumeUSD float64   `ch:"total_volume_usd" json:"totalVolumeUsd"`
}
