package pocketbase

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/router"
	"github.com/polycrawl/paygate/httpsig"
	"github.com/polycrawl/paygate/nonce"
)

type oneKey struct{ key *httpsig.PublicKey }

func (k oneKey) Resolve(_ context.Context, keyID string) (*httpsig.PublicKey, error) {
	if keyID != k.key.ID {
		return nil, httpsig.ErrKeyNotFound
	}
	return k.key, nil
}

func newMux(t *testing.T) (http.Handler, *httpsig.Signer) {
	t.Helper()
	kp, err := httpsig.GenerateEd25519()
	if err != nil {
		t.Fatal(err)
	}
	pub, err := httpsig.LocalKeyFromPEM(kp.PublicPEM, kp.KeyID)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := httpsig.NewSignerFromPEM(kp.PrivatePEM, kp.KeyID)
	if err != nil {
		t.Fatal(err)
	}
	v := httpsig.NewVerifier(oneKey{pub}, nonce.NewMemory(nil))

	r := router.NewRouter(func(w http.ResponseWriter, req *http.Request) (*core.RequestEvent, router.EventCleanupFunc) {
		e := &core.RequestEvent{}
		e.Response = w
		e.Request = req
		return e, nil
	})
	r.GET("/api/data", func(e *core.RequestEvent) error {
		sc, ok := Signature(e)
		if !ok {
			return e.NoContent(http.StatusInternalServerError)
		}
		return e.JSON(http.StatusOK, map[string]string{"keyId": sc.KeyID})
	}).BindFunc(RequireSignature(v, Config{}))

	mux, err := r.BuildMux()
	if err != nil {
		t.Fatal(err)
	}
	return mux, signer
}

func TestPocketBaseMiddleware_UnsignedReturns401(t *testing.T) {
	mux, _ := newMux(t)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/api/data", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("Expected status 401, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["error"] != "UNAUTHORIZED" {
		t.Errorf("Expected UNAUTHORIZED, got %v", body["error"])
	}
}

func TestPocketBaseMiddleware_SignedRequest(t *testing.T) {
	mux, signer := newMux(t)
	req := httptest.NewRequest("GET", "http://example.com/api/data", nil)
	if err := signer.SignRequest(req, ""); err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["keyId"] != signer.KeyID() {
		t.Errorf("Expected keyId %s, got %s", signer.KeyID(), body["keyId"])
	}
}
