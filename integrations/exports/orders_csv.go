package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"strconv"

	"p2pmarket/native/market"
)

var csvHeader = []string{
	"order_id", "seq", "seller", "buyer", "type", "price", "status", "dispute_status",
	"delivery_confirmed", "settled", "created_at", "updated_at", "escrow_deadline",
}

// OrdersCSV builds a CSV export for the supplied orders and returns the
// serialised data alongside a SHA-256 checksum of the payload.
func OrdersCSV(orders []*market.Order) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	writer := csv.NewWriter(buffer)
	if err := writer.Write(csvHeader); err != nil {
		return nil, "", err
	}
	for _, order := range orders {
		if order == nil {
			continue
		}
		rec := newOrderRecord(order)
		row := []string{
			rec.ID,
			strconv.FormatUint(rec.Seq, 10),
			rec.Seller,
			rec.Buyer,
			rec.Type,
			rec.Price,
			rec.Status,
			rec.DisputeStatus,
			strconv.FormatBool(rec.DeliveryConfirmed),
			strconv.FormatBool(rec.Settled),
			rec.CreatedAt,
			rec.UpdatedAt,
			rec.EscrowDeadline,
		}
		if err := writer.Write(row); err != nil {
			return nil, "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, "", err
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}
