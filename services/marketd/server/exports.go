package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"p2pmarket/integrations/exports"
	"p2pmarket/native/market"
)

const checksumHeader = "X-Checksum-SHA256"

func (s *Server) handleExportOrders(w http.ResponseWriter, r *http.Request) {
	var keep func(*market.Order) bool
	if raw := strings.TrimSpace(r.URL.Query().Get("settled")); raw != "" {
		settled, err := strconv.ParseBool(raw)
		if err != nil {
			writeProblem(w, r, http.StatusBadRequest, "validation", "settled must be a boolean")
			return
		}
		if settled {
			keep = exports.Settled
		}
	}
	orders, err := exports.CollectOrders(s.engine, keep)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	format := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format")))
	if format == "" {
		format = "csv"
	}
	filename := fmt.Sprintf("orders-%s.%s", time.Now().UTC().Format("20060102T150405Z"), format)
	switch format {
	case "csv", "jsonl":
		build := exports.OrdersCSV
		contentType := "text/csv"
		if format == "jsonl" {
			build = exports.OrdersJSONL
			contentType = "application/x-ndjson"
		}
		data, checksum, err := build(orders)
		if err != nil {
			s.writeEngineError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
		w.Header().Set(checksumHeader, checksum)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	case "parquet":
		w.Header().Set("Content-Type", "application/vnd.apache.parquet")
		w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
		w.WriteHeader(http.StatusOK)
		if err := exports.OrdersParquet(w, orders); err != nil {
			s.logger.Error("export: parquet stream failed", "error", err)
		}
	default:
		writeProblem(w, r, http.StatusBadRequest, "validation", "format must be csv, jsonl or parquet")
	}
}
