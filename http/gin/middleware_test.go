package gin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/polycrawl/paygate/httpsig"
	"github.com/polycrawl/paygate/nonce"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type oneKey struct{ key *httpsig.PublicKey }

func (k oneKey) Resolve(_ context.Context, keyID string) (*httpsig.PublicKey, error) {
	if keyID != k.key.ID {
		return nil, httpsig.ErrKeyNotFound
	}
	return k.key, nil
}

func setup(t *testing.T) (*gin.Engine, *httpsig.Signer) {
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

	r := gin.New()
	r.Use(RequireSignature(v, Config{}))
	r.GET("/data", func(c *gin.Context) {
		sc, ok := Signature(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		if _, ok := httpsig.FromContext(c.Request.Context()); !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, gin.H{"keyId": sc.KeyID, "tag": sc.Tag})
	})
	r.OPTIONS("/data", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return r, signer
}

func TestGinMiddleware_UnsignedReturns401(t *testing.T) {
	r, _ := setup(t)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/data", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected status %d, got %d", http.StatusUnauthorized, rec.Code)
	}
	contentType := rec.Header().Get("Content-Type")
	if contentType != "application/json; charset=utf-8" {
		t.Errorf("Expected Content-Type application/json; charset=utf-8, got %s", contentType)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["error"] != "UNAUTHORIZED" {
		t.Errorf("Expected UNAUTHORIZED, got %v", body["error"])
	}
}

func TestGinMiddleware_SignedRequest(t *testing.T) {
	r, signer := setup(t)
	req := httptest.NewRequest("GET", "http://example.com/data", nil)
	if err := signer.SignRequest(req, ""); err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["keyId"] != signer.KeyID() || body["tag"] != httpsig.TagBrowser {
		t.Errorf("Unexpected body %v", body)
	}

	// The same signature cannot be replayed.
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected replay to be rejected, got %d", rec.Code)
	}
}

func TestGinMiddleware_OptionsBypass(t *testing.T) {
	r, _ := setup(t)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/data", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", rec.Code)
	}
}
