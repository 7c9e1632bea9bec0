package directory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/deb2000-sudo/dropshift/internal/ledger"
)

// Client is a small HTTP client for the directory service, grounded on
// the teacher's OrchestratorClient (BaseURL + *http.Client with a fixed
// timeout).
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a new Client with reasonable defaults.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// RegisterRelay registers a UDP relay under id/address.
func (c *Client) RegisterRelay(id, address, region string) (*RelayInfo, error) {
	body, err := json.Marshal(map[string]string{"id": id, "address": address, "region": region})
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTPClient.Post(c.BaseURL+"/api/v1/relays/register", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %s", resp.Status)
	}
	var info RelayInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ListRelays fetches every registered relay.
func (c *Client) ListRelays() ([]*RelayInfo, error) {
	resp, err := c.HTTPClient.Get(c.BaseURL + "/api/v1/relays")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %s", resp.Status)
	}
	var out []*RelayInfo
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// TransfersSince fetches ledger records created after afterSeq, a unix
// timestamp in seconds sent as the service's seq query parameter (the
// service compares it with each record's CreatedAt, not its Seq).
func (c *Client) TransfersSince(afterSeq uint64) ([]ledger.Record, error) {
	resp, err := c.HTTPClient.Get(c.BaseURL + "/api/v1/transfers/since?seq=" + strconv.FormatUint(afterSeq, 10))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %s", resp.Status)
	}
	var out []ledger.Record
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
