package chain

import (
	"fmt"
	"time"

	"github.com/bitforward/forward-engine/internal/model"
)

// EncodeContract renders c as the tuple the ledger returns from get-contract.
func EncodeContract(c *model.Contract) Value {
	return Tuple(map[string]Value{
		"id":                Uint(c.ID),
		"creator":           Principal(c.Creator),
		"counterparty":      OptionalPrincipal(c.Counterparty),
		"creator-long":      Bool(c.CreatorLong),
		"collateral-amount": Uint(c.CollateralAmount),
		"premium":           Int(c.Premium),
		"premium-fee":       Uint(c.PremiumFee),
		"open-price":        Uint(c.OpenPrice),
		"close-price":       Uint(c.ClosePrice),
		"open-block":        Uint(c.OpenBlock),
		"closing-block":     Uint(c.ClosingBlock),
		"asset":             ASCII(c.Asset),
		"long-leverage":     Uint(c.LongLeverage),
		"short-leverage":    Uint(c.ShortLeverage),
		"status":            Uint(uint64(c.Status)),
		"long-id":           Uint(c.LongID),
		"short-id":          Uint(c.ShortID),
		"long-payout":       Uint(c.LongPayout),
		"short-payout":      Uint(c.ShortPayout),
		"created-at":        Uint(unixMillis(c.CreatedAt)),
	})
}

// DecodeContract parses a get-contract tuple.
func DecodeContract(v Value) (*model.Contract, error) {
	r := &tupleReader{v: v}
	c := &model.Contract{
		ID:               r.readUint("id"),
		Creator:          r.readPrincipal("creator"),
		Counterparty:     r.readOptionalPrincipal("counterparty"),
		CreatorLong:      r.readBool("creator-long"),
		CollateralAmount: r.readUint("collateral-amount"),
		Premium:          r.readInt("premium"),
		PremiumFee:       r.readUint("premium-fee"),
		OpenPrice:        r.readUint("open-price"),
		ClosePrice:       r.readUint("close-price"),
		OpenBlock:        r.readUint("open-block"),
		ClosingBlock:     r.readUint("closing-block"),
		Asset:            r.readASCII("asset"),
		LongLeverage:     r.readUint("long-leverage"),
		ShortLeverage:    r.readUint("short-leverage"),
		LongID:           r.readUint("long-id"),
		ShortID:          r.readUint("short-id"),
		LongPayout:       r.readUint("long-payout"),
		ShortPayout:      r.readUint("short-payout"),
	}
	status := r.readUint("status")
	createdAt := r.readUint("created-at")
	if r.err != nil {
		return nil, r.err
	}
	if status < uint64(model.StatusOpen) || status > uint64(model.StatusClosed) {
		return nil, fmt.Errorf("%w: status %d", ErrDecode, status)
	}
	c.Status = model.Status(status)
	if createdAt > 0 {
		c.CreatedAt = time.UnixMilli(int64(createdAt)).UTC()
	}
	return c, nil
}

func unixMillis(t time.Time) uint64 {
	if t.IsZero() || t.Unix() < 0 {
		return 0
	}
	return uint64(t.UnixMilli())
}

// EncodeCreateParams renders the create-position arguments.
func EncodeCreateParams(p model.CreateParams) Value {
	return Tuple(map[string]Value{
		"creator":           Principal(p.Creator),
		"collateral-amount": Uint(p.CollateralAmount),
		"closing-block":     Uint(p.ClosingBlock),
		"is-long":           Bool(p.IsLong),
		"asset":             ASCII(p.Asset),
		"premium":           Int(p.Premium),
		"long-leverage":     Uint(p.LongLeverage),
		"short-leverage":    Uint(p.ShortLeverage),
	})
}

// DecodeCreateParams parses create-position arguments.
func DecodeCreateParams(v Value) (model.CreateParams, error) {
	r := &tupleReader{v: v}
	p := model.CreateParams{
		Creator:          r.readPrincipal("creator"),
		CollateralAmount: r.readUint("collateral-amount"),
		ClosingBlock:     r.readUint("closing-block"),
		IsLong:           r.readBool("is-long"),
		Asset:            r.readASCII("asset"),
		Premium:          r.readInt("premium"),
		LongLeverage:     r.readUint("long-leverage"),
		ShortLeverage:    r.readUint("short-leverage"),
	}
	return p, r.err
}

// EncodeReceipt renders a close-contract result.
func EncodeReceipt(rc model.CloseReceipt) Value {
	return Tuple(map[string]Value{
		"contract-id":     Uint(rc.ContractID),
		"long-payout":     Uint(rc.LongPayout),
		"short-payout":    Uint(rc.ShortPayout),
		"close-price":     Uint(rc.ClosePrice),
		"closed-at-block": Uint(rc.ClosedAtBlock),
		"liquidated":      Bool(rc.Liquidated),
		"tx-ref":          ASCII(rc.TxRef),
	})
}

// DecodeReceipt parses a close-contract result.
func DecodeReceipt(v Value) (model.CloseReceipt, error) {
	r := &tupleReader{v: v}
	rc := model.CloseReceipt{
		ContractID:    r.readUint("contract-id"),
		LongPayout:    r.readUint("long-payout"),
		ShortPayout:   r.readUint("short-payout"),
		ClosePrice:    r.readUint("close-price"),
		ClosedAtBlock: r.readUint("closed-at-block"),
		Liquidated:    r.readBool("liquidated"),
		TxRef:         r.readASCII("tx-ref"),
	}
	return rc, r.err
}

// ErrorValue renders err as (err uN). Errors outside the taxonomy have no
// ledger code and are reported as u0.
func ErrorValue(err error) Value {
	return Err(Uint(model.ErrorCode(err)))
}

// decodeError maps an (err uN) payload back to its sentinel.
func decodeError(inner Value) error {
	code, err := inner.AsUint()
	if err != nil {
		return err
	}
	if sentinel := model.ErrorFromCode(code); sentinel != nil {
		return sentinel
	}
	return fmt.Errorf("chain: ledger error u%d", code)
}
