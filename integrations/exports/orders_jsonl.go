package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"p2pmarket/native/market"
)

// OrdersJSONL builds a JSON Lines export for the supplied orders and returns
// the serialised payload alongside a checksum.
func OrdersJSONL(orders []*market.Order) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	for _, order := range orders {
		if order == nil {
			continue
		}
		rec := newOrderRecord(order)
		payload := map[string]interface{}{
			"orderId":           rec.ID,
			"seq":               rec.Seq,
			"seller":            rec.Seller,
			"type":              rec.Type,
			"price":             rec.Price,
			"status":            rec.Status,
			"disputeStatus":     rec.DisputeStatus,
			"deliveryConfirmed": rec.DeliveryConfirmed,
			"settled":           rec.Settled,
			"createdAt":         rec.CreatedAt,
			"updatedAt":         rec.UpdatedAt,
		}
		if rec.Buyer != "" {
			payload["buyer"] = rec.Buyer
			payload["escrowDeadline"] = rec.EscrowDeadline
		}
		if err := encoder.Encode(payload); err != nil {
			return nil, "", err
		}
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}
