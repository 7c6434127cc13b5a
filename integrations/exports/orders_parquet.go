package exports

import (
	"fmt"
	"io"
	"os"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"p2pmarket/native/market"
)

type parquetRow struct {
	OrderID           string `parquet:"name=order_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Seq               int64  `parquet:"name=seq, type=INT64"`
	Seller            string `parquet:"name=seller, type=BYTE_ARRAY, convertedtype=UTF8"`
	Buyer             string `parquet:"name=buyer, type=BYTE_ARRAY, convertedtype=UTF8"`
	Type              string `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price             string `parquet:"name=price, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status            string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	DisputeStatus     string `parquet:"name=dispute_status, type=BYTE_ARRAY, convertedtype=UTF8"`
	DeliveryConfirmed bool   `parquet:"name=delivery_confirmed, type=BOOLEAN"`
	Settled           bool   `parquet:"name=settled, type=BOOLEAN"`
	CreatedAt         string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	UpdatedAt         string `parquet:"name=updated_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	EscrowDeadline    string `parquet:"name=escrow_deadline, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// OrdersParquet streams the supplied orders to w as a snappy compressed
// Parquet file.
func OrdersParquet(w io.Writer, orders []*market.Order) error {
	fw := writerfile.NewWriterFile(w)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		return fmt.Errorf("exports: parquet schema: %w", err)
	}
	pw.RowGroupSize = 16 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, order := range orders {
		if order == nil {
			continue
		}
		rec := newOrderRecord(order)
		row := &parquetRow{
			OrderID:           rec.ID,
			Seq:               int64(rec.Seq),
			Seller:            rec.Seller,
			Buyer:             rec.Buyer,
			Type:              rec.Type,
			Price:             rec.Price,
			Status:            rec.Status,
			DisputeStatus:     rec.DisputeStatus,
			DeliveryConfirmed: rec.DeliveryConfirmed,
			Settled:           rec.Settled,
			CreatedAt:         rec.CreatedAt,
			UpdatedAt:         rec.UpdatedAt,
			EscrowDeadline:    rec.EscrowDeadline,
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			return fmt.Errorf("exports: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("exports: parquet flush: %w", err)
	}
	return nil
}

// WriteOrdersParquet writes the Parquet export to path.
func WriteOrdersParquet(path string, orders []*market.Order) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("exports: create parquet: %w", err)
	}
	if err := OrdersParquet(file, orders); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("exports: close parquet file: %w", err)
	}
	return nil
}
