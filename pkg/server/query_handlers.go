// Copyright 2025 Certen Protocol
//
// DAG query API handlers
// Provides read-only HTTP endpoints over units, balls and AA state,
// the query surface spec §4's read side (as opposed to the P2P gossip
// surface pkg/network owns for writes).

package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/dagchain/corenode/pkg/storage"
)

// QueryHandlers serves read-only HTTP endpoints over the relational
// store. It never calls pkg/writer: every handler here is a GET, so the
// write lock and the validation pipeline are never on its call path.
type QueryHandlers struct {
	repos   *storage.Repositories
	chainID string
}

func NewQueryHandlers(repos *storage.Repositories, chainID string) *QueryHandlers {
	return &QueryHandlers{repos: repos, chainID: chainID}
}

// HandleUnit handles GET /api/unit?hash=... requests.
func (h *QueryHandlers) HandleUnit(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	hash := r.URL.Query().Get("hash")
	if hash == "" {
		http.Error(w, `{"error":"hash query parameter is required"}`, http.StatusBadRequest)
		return
	}

	u, err := h.repos.Units.GetByHash(r.Context(), hash)
	if err == storage.ErrUnitNotFound {
		http.Error(w, `{"error":"unit not found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to load unit", err)
		return
	}
	writeJSON(w, u)
}

// HandleBall handles GET /api/ball?unit=... requests.
func (h *QueryHandlers) HandleBall(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	unit := r.URL.Query().Get("unit")
	if unit == "" {
		http.Error(w, `{"error":"unit query parameter is required"}`, http.StatusBadRequest)
		return
	}

	ballHash, err := h.repos.Balls.ByUnit(r.Context(), unit)
	if err == storage.ErrBallNotFound {
		http.Error(w, `{"error":"ball not found for unit"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to load ball", err)
		return
	}
	parents, skiplist, err := h.repos.Balls.Refs(r.Context(), ballHash)
	if err != nil {
		writeError(w, "failed to load ball refs", err)
		return
	}
	writeJSON(w, map[string]interface{}{
		"ballHash":      ballHash,
		"unit":          unit,
		"parentBalls":   parents,
		"skiplistBalls": skiplist,
	})
}

// HandleAABalance handles GET /api/aa/balance?address=&asset=... requests.
func (h *QueryHandlers) HandleAABalance(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	address := r.URL.Query().Get("address")
	asset := r.URL.Query().Get("asset")
	if address == "" || asset == "" {
		http.Error(w, `{"error":"address and asset query parameters are required"}`, http.StatusBadRequest)
		return
	}

	isAA, err := h.repos.AA.IsAA(r.Context(), address)
	if err != nil {
		writeError(w, "failed to check aa address", err)
		return
	}
	if !isAA {
		http.Error(w, `{"error":"address is not an autonomous agent"}`, http.StatusNotFound)
		return
	}

	balance, err := h.repos.AA.Balance(r.Context(), address, asset)
	if err != nil {
		writeError(w, "failed to load aa balance", err)
		return
	}
	writeJSON(w, map[string]interface{}{
		"address": address,
		"asset":   asset,
		"balance": balance.String(),
	})
}

// HandleStatus handles GET /api/status requests: the chain's current
// stability watermark and open tip count, the minimal health signal an
// operator or a peer's catchup logic needs before talking to this node.
func (h *QueryHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	lastStable, err := h.repos.Units.LastStableMCI(r.Context())
	if err != nil {
		writeError(w, "failed to load last stable mci", err)
		return
	}
	tips, err := h.repos.Units.FreeUnits(r.Context())
	if err != nil {
		writeError(w, "failed to load free units", err)
		return
	}

	status := map[string]interface{}{
		"chainId":       h.chainID,
		"lastStableMci": lastStable,
		"freeUnits":     len(tips),
	}

	if heightParam := r.URL.Query().Get("height"); heightParam != "" {
		height, parseErr := strconv.ParseUint(heightParam, 10, 64)
		if parseErr != nil {
			http.Error(w, `{"error":"invalid height parameter"}`, http.StatusBadRequest)
			return
		}
		unitHash, ok, err := h.repos.Units.MainChainUnitAtMCI(r.Context(), height)
		if err != nil {
			writeError(w, "failed to load main chain unit at height", err)
			return
		}
		status["mainChainUnitAtHeight"] = map[string]interface{}{"height": height, "found": ok, "unit": unitHash}
	}

	writeJSON(w, status)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"failed to encode response"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, msg string, err error) {
	http.Error(w, `{"error":"`+msg+`: `+err.Error()+`"}`, http.StatusInternalServerError)
}
