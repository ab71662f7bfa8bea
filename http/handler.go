package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/polycrawl/paygate"
	"github.com/polycrawl/paygate/catalog"
	"github.com/polycrawl/paygate/gateway"
	"github.com/polycrawl/paygate/http/internal/helpers"
	"github.com/polycrawl/paygate/ledger"
	"github.com/polycrawl/paygate/pricing"
	"github.com/polycrawl/paygate/receipt"
)

const maxBodyBytes = 1 << 20

type handlers struct {
	svc            *gateway.Service
	trustForwarded bool
	logger         *slog.Logger
}

// FetchResponse is the body of a successful fetch.
type FetchResponse struct {
	RequestID string           `json:"requestId"`
	Content   catalog.Content  `json:"content"`
	Receipt   *receipt.Receipt `json:"receipt"`
}

// ReceiptResponse is the body of a receipt lookup.
type ReceiptResponse struct {
	State   receipt.State   `json:"state"`
	Receipt receipt.Receipt `json:"receipt"`
}

func decodeJSON(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		return paygate.NewError(paygate.CodeBadRequest, "request body is not valid JSON", err)
	}
	return nil
}

func caller(r *http.Request) gateway.Caller {
	sc, ok := SignatureFromContext(r)
	if !ok {
		return gateway.Caller{}
	}
	return gateway.Caller{KeyID: sc.KeyID, TapDigest: sc.Digest}
}

// user resolves the caller's account for the read surfaces.
func (h *handlers) user(r *http.Request) (string, error) {
	agent, err := h.svc.Agent(r.Context(), caller(r).KeyID)
	if err != nil {
		return "", err
	}
	return agent.UserID, nil
}

func (h *handlers) discover(w http.ResponseWriter, r *http.Request) {
	var in gateway.DiscoverInput
	if err := decodeJSON(r, &in); err != nil {
		helpers.WriteError(w, err)
		return
	}
	out, err := h.svc.Discover(r.Context(), caller(r), in)
	if err != nil {
		helpers.WriteError(w, err)
		return
	}
	helpers.WriteJSON(w, http.StatusOK, out)
}

// fetch runs the two-state payment exchange: a request without an
// acceptable payment gets a 402 quote; a retry carrying X-PAYMENT (or
// X-PAYMENT-CUSTODIAL) is verified, fulfilled and settled before the
// content is released.
func (h *handlers) fetch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var in gateway.FetchInput
	if err := decodeJSON(r, &in); err != nil {
		helpers.WriteError(w, err)
		return
	}
	payment, err := helpers.ParsePaymentHeader(r)
	if err != nil {
		h.logger.WarnContext(ctx, "invalid payment header", "error", err)
		helpers.WriteError(w, err)
		return
	}
	in.Payment = payment
	in.Custodial = helpers.Custodial(r)
	in.ResourceURL = h.resourceURL(r, in.ResourceID)

	res, err := h.svc.Fetch(ctx, caller(r), in)
	if err != nil {
		helpers.WriteError(w, err)
		return
	}

	if res.Pending != nil {
		rcpt, settled, err := h.svc.CompleteExternal(ctx, res.Pending)
		if err != nil {
			h.logger.WarnContext(ctx, "settlement failed", "request_id", res.RequestID, "error", err)
			helpers.WriteError(w, err)
			return
		}
		if err := helpers.AddPaymentResponseHeader(w, settled); err != nil {
			h.logger.WarnContext(ctx, "failed to add payment response header", "error", err)
		}
		res.Receipt = rcpt
	}

	helpers.WriteJSON(w, http.StatusOK, FetchResponse{
		RequestID: res.RequestID,
		Content:   res.Content,
		Receipt:   res.Receipt,
	})
}

// resourceURL is the URL advertised in payment requirements for one
// resource.
func (h *handlers) resourceURL(r *http.Request, resourceID string) string {
	u, err := url.Parse(helpers.AbsoluteURL(r, h.trustForwarded))
	if err != nil || resourceID == "" {
		return ""
	}
	q := u.Query()
	q.Set("resourceId", resourceID)
	u.RawQuery = q.Encode()
	return u.String()
}

func (h *handlers) receipt(w http.ResponseWriter, r *http.Request) {
	user, err := h.user(r)
	if err != nil {
		helpers.WriteError(w, err)
		return
	}
	rec, err := h.svc.Receipt(r.Context(), chi.URLParam(r, "requestID"))
	if err != nil {
		helpers.WriteError(w, err)
		return
	}
	// Other users' receipts are reported as missing.
	if rec.Receipt.UserID != user {
		helpers.WriteError(w, paygate.Errorf(paygate.CodeResourceNotFound, "receipt not found"))
		return
	}
	helpers.WriteJSON(w, http.StatusOK, ReceiptResponse{State: rec.State, Receipt: rec.Receipt})
}

func (h *handlers) wallet(w http.ResponseWriter, r *http.Request) {
	user, err := h.user(r)
	if err != nil {
		helpers.WriteError(w, err)
		return
	}
	wallet, err := h.svc.Wallet(r.Context(), user, ledger.Role(chi.URLParam(r, "role")))
	if err != nil {
		helpers.WriteError(w, err)
		return
	}
	helpers.WriteJSON(w, http.StatusOK, wallet)
}

func (h *handlers) entries(w http.ResponseWriter, r *http.Request) {
	user, err := h.user(r)
	if err != nil {
		helpers.WriteError(w, err)
		return
	}
	limit, err := intQuery(r, "limit")
	if err != nil {
		helpers.WriteError(w, err)
		return
	}
	entries, err := h.svc.Entries(r.Context(), user, ledger.Role(chi.URLParam(r, "role")), limit)
	if err != nil {
		helpers.WriteError(w, err)
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	helpers.WriteJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *handlers) spending(w http.ResponseWriter, r *http.Request) {
	user, err := h.user(r)
	if err != nil {
		helpers.WriteError(w, err)
		return
	}
	days, err := intQuery(r, "days")
	if err != nil {
		helpers.WriteError(w, err)
		return
	}
	stats, err := h.svc.SpendingStats(r.Context(), user, days)
	if err != nil {
		helpers.WriteError(w, err)
		return
	}
	helpers.WriteJSON(w, http.StatusOK, stats)
}

func (h *handlers) caps(w http.ResponseWriter, r *http.Request) {
	user, err := h.user(r)
	if err != nil {
		helpers.WriteError(w, err)
		return
	}
	caps, err := h.svc.Caps(r.Context(), user)
	if err != nil {
		helpers.WriteError(w, err)
		return
	}
	helpers.WriteJSON(w, http.StatusOK, caps)
}

func (h *handlers) setCaps(w http.ResponseWriter, r *http.Request) {
	user, err := h.user(r)
	if err != nil {
		helpers.WriteError(w, err)
		return
	}
	var caps pricing.Caps
	if err := decodeJSON(r, &caps); err != nil {
		helpers.WriteError(w, err)
		return
	}
	if err := h.svc.SetCaps(r.Context(), user, caps); err != nil {
		helpers.WriteError(w, err)
		return
	}
	h.caps(w, r)
}

func intQuery(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, paygate.Errorf(paygate.CodeBadRequest, "%s must be an integer", name)
	}
	return n, nil
}
