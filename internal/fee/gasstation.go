package fee

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	xerrors "superdao-relay/internal/errors"
)

// GasStationBand is one price band of a gas station v2 response, in gwei.
type GasStationBand struct {
	MaxPriorityFee json.Number `json:"maxPriorityFee"`
	MaxFee         json.Number `json:"maxFee"`
}

// GasStationResponse mirrors the gas station v2 JSON document.
type GasStationResponse struct {
	SafeLow          GasStationBand `json:"safeLow"`
	Standard         GasStationBand `json:"standard"`
	Fast             GasStationBand `json:"fast"`
	EstimatedBaseFee json.Number    `json:"estimatedBaseFee"`
	BlockTime        int64          `json:"blockTime"`
	BlockNumber      uint64         `json:"blockNumber"`
}

// Band returns the price band for speed, defaulting to fast.
func (r GasStationResponse) Band(speed Speed) GasStationBand {
	switch speed {
	case SpeedSafeLow:
		return r.SafeLow
	case SpeedStandard:
		return r.Standard
	default:
		return r.Fast
	}
}

// Fees converts the selected band to wei.
func (r GasStationResponse) Fees(speed Speed) (Fees, error) {
	band := r.Band(speed)
	maxFee, ok := GweiToWei(band.MaxFee.String())
	if !ok {
		return Fees{}, xerrors.New(CodeGasStationFailure, fmt.Sprintf("无效的 maxFee: %q", band.MaxFee))
	}
	tip, ok := GweiToWei(band.MaxPriorityFee.String())
	if !ok {
		return Fees{}, xerrors.New(CodeGasStationFailure, fmt.Sprintf("无效的 maxPriorityFee: %q", band.MaxPriorityFee))
	}
	return Fees{
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: tip,
		GasPrice:             new(big.Int).Set(maxFee),
		Source:               SourceGasStation,
	}.clamp(), nil
}

// GasStationClient queries a gas station endpoint.
type GasStationClient struct {
	url        string
	http       *http.Client
	maxRetries uint64
	initial    time.Duration
}

// NewGasStationClient builds a client for url.
func NewGasStationClient(url string, httpClient *http.Client, maxRetries uint64) *GasStationClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &GasStationClient{
		url:        strings.TrimSpace(url),
		http:       httpClient,
		maxRetries: maxRetries,
		initial:    200 * time.Millisecond,
	}
}

// Fetch downloads and decodes the gas station document, retrying transport
// errors and 5xx responses up to the configured retry budget.
func (c *GasStationClient) Fetch(ctx context.Context) (GasStationResponse, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.initial
	policy.MaxElapsedTime = 0

	var out GasStationResponse
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
		if err != nil {
			return backoff.Permanent(xerrors.Wrap(CodeGasStationFailure, err, "构造 gas station 请求失败"))
		}
		req.Header.Set("Accept", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			return xerrors.Wrap(CodeGasStationFailure, err, "请求 gas station 失败")
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return xerrors.Wrap(CodeGasStationFailure, err, "读取 gas station 响应失败")
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return xerrors.New(CodeGasStationFailure, fmt.Sprintf("gas station 返回 %d", resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(xerrors.New(CodeGasStationFailure, fmt.Sprintf("gas station 返回 %d", resp.StatusCode)))
		}
		var decoded GasStationResponse
		if err := json.Unmarshal(body, &decoded); err != nil {
			return backoff.Permanent(xerrors.Wrap(CodeGasStationFailure, err, "解析 gas station 响应失败"))
		}
		out = decoded
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, c.maxRetries), ctx))
	if err != nil {
		return GasStationResponse{}, err
	}
	return out, nil
}
