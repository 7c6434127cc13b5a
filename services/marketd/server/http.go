package server

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"p2pmarket/gateway/middleware"
	"p2pmarket/native/market"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body required")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// requireCaller returns the authenticated caller or writes a 401.
func requireCaller(w http.ResponseWriter, r *http.Request) ([20]byte, bool) {
	caller, ok := middleware.CallerFromContext(r.Context())
	if !ok {
		writeProblem(w, r, http.StatusUnauthorized, "unauthenticated", "caller identity required")
		return [20]byte{}, false
	}
	return caller, true
}

func orderIDParam(w http.ResponseWriter, r *http.Request) ([32]byte, bool) {
	raw := strings.TrimPrefix(strings.TrimPrefix(chi.URLParam(r, "id"), "0x"), "0X")
	var id [32]byte
	decoded, err := hex.DecodeString(raw)
	if err != nil || len(decoded) != len(id) {
		writeProblem(w, r, http.StatusBadRequest, "validation", "order id must be 32 bytes of hex")
		return id, false
	}
	copy(id[:], decoded)
	return id, true
}

func addressParam(w http.ResponseWriter, r *http.Request, name string) ([20]byte, bool) {
	addr, err := parseAddress(chi.URLParam(r, name))
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, "validation", err.Error())
		return [20]byte{}, false
	}
	return addr, true
}

func parseAddress(raw string) ([20]byte, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return [20]byte{}, fmt.Errorf("invalid address %q", raw)
	}
	return common.HexToAddress(raw), nil
}

func parseAmount(raw string) (*uint256.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("amount required")
	}
	if strings.HasPrefix(raw, "0x") {
		return uint256.FromHex(raw)
	}
	return uint256.FromDecimal(raw)
}

func pageParams(w http.ResponseWriter, r *http.Request) (uint64, uint64, bool) {
	offset, err := queryUint(r, "offset", 0)
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, "validation", err.Error())
		return 0, 0, false
	}
	limit, err := queryUint(r, "limit", market.MaxPageSize)
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, "validation", err.Error())
		return 0, 0, false
	}
	return offset, limit, true
}

func queryUint(r *http.Request, key string, fallback uint64) (uint64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return value, nil
}
