package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bitforward/forward-engine/internal/model"
)

// PathPrefix is where the ledger wire protocol is mounted.
const PathPrefix = "/ledger"

// Client talks to a remote ledger over the wire protocol. It offers the same
// operations as the embedded engine, plus the oracle price calls.
type Client struct {
	baseURL string
	client  *http.Client
	blocks  *HTTPSource
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	base := strings.TrimRight(baseURL, "/") + PathPrefix
	return &Client{
		baseURL: base,
		client:  client,
		blocks:  NewHTTPSource(base, client),
	}
}

// CreatePosition calls create-position and returns the new contract id.
func (c *Client) CreatePosition(ctx context.Context, p model.CreateParams) (uint64, error) {
	v, err := c.call(ctx, http.MethodPost, "/contracts", EncodeCreateParams(p))
	if err != nil {
		return 0, err
	}
	return c.uintResponse(v)
}

// TakePosition calls take-position and returns the minted leg id.
func (c *Client) TakePosition(ctx context.Context, id uint64, counterparty string) (uint64, error) {
	args := Tuple(map[string]Value{"counterparty": Principal(counterparty)})
	v, err := c.call(ctx, http.MethodPost, "/contracts/"+strconv.FormatUint(id, 10)+"/take", args)
	if err != nil {
		return 0, err
	}
	return c.uintResponse(v)
}

// CloseContract calls close-contract.
func (c *Client) CloseContract(ctx context.Context, id uint64, caller string) (model.CloseReceipt, error) {
	args := Tuple(map[string]Value{"caller": Principal(caller)})
	v, err := c.call(ctx, http.MethodPost, "/contracts/"+strconv.FormatUint(id, 10)+"/close", args)
	if err != nil {
		return model.CloseReceipt{}, err
	}
	inner, ok, err := v.Response()
	if err != nil {
		return model.CloseReceipt{}, err
	}
	if !ok {
		return model.CloseReceipt{}, decodeError(inner)
	}
	return DecodeReceipt(inner)
}

// GetContract reads a contract. none is reported as model.ErrContractNotFound.
func (c *Client) GetContract(ctx context.Context, id uint64) (*model.Contract, error) {
	v, err := c.call(ctx, http.MethodGet, "/contracts/"+strconv.FormatUint(id, 10), nil)
	if err != nil {
		return nil, err
	}
	inner, ok, err := v.Optional()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d", model.ErrContractNotFound, id)
	}
	return DecodeContract(inner)
}

// ListContracts reads every contract on the ledger.
func (c *Client) ListContracts(ctx context.Context) ([]model.Contract, error) {
	v, err := c.call(ctx, http.MethodGet, "/contracts", nil)
	if err != nil {
		return nil, err
	}
	if err := v.expect(KindList); err != nil {
		return nil, err
	}
	out := make([]model.Contract, 0, len(v.Items))
	for _, item := range v.Items {
		ct, err := DecodeContract(item)
		if err != nil {
			return nil, err
		}
		out = append(out, *ct)
	}
	return out, nil
}

// CurrentBlock reads the ledger tip height.
func (c *Client) CurrentBlock(ctx context.Context) (uint64, error) {
	return c.blocks.CurrentBlock(ctx)
}

// Price reads the ledger's oracle price for asset.
func (c *Client) Price(ctx context.Context, asset string) (uint64, error) {
	v, err := c.call(ctx, http.MethodGet, "/price/"+url.PathEscape(asset), nil)
	if err != nil {
		return 0, err
	}
	return c.uintResponse(v)
}

// SetPrice publishes a price to the ledger's oracle.
func (c *Client) SetPrice(ctx context.Context, asset string, price uint64) error {
	args := Tuple(map[string]Value{"asset": ASCII(asset), "price": Uint(price)})
	v, err := c.call(ctx, http.MethodPost, "/price", args)
	if err != nil {
		return err
	}
	inner, ok, err := v.Response()
	if err != nil {
		return err
	}
	if !ok {
		return decodeError(inner)
	}
	return nil
}

// Mine asks a devnet ledger to advance n blocks and returns the new height.
func (c *Client) Mine(ctx context.Context, n uint64) (uint64, error) {
	v, err := c.call(ctx, http.MethodPost, "/mine", Tuple(map[string]Value{"blocks": Uint(n)}))
	if err != nil {
		return 0, err
	}
	return c.uintResponse(v)
}

func (c *Client) uintResponse(v Value) (uint64, error) {
	inner, ok, err := v.Response()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, decodeError(inner)
	}
	return inner.AsUint()
}

func (c *Client) call(ctx context.Context, method, path string, args any) (Value, error) {
	var body io.Reader
	if args != nil {
		buf, err := json.Marshal(args)
		if err != nil {
			return Value{}, fmt.Errorf("chain: encode %s: %w", path, err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return Value{}, fmt.Errorf("chain: build %s: %w", path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Value{}, fmt.Errorf("chain: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Value{}, fmt.Errorf("chain: %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var v Value
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return Value{}, fmt.Errorf("chain: decode %s: %w", path, err)
	}
	return v, nil
}
