package auth

import (
	"bytes"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newRouter returns a router whose /echo route reports the caller and body.
func newRouter(v *Verifier) *gin.Engine {
	r := gin.New()
	r.Use(Middleware(v))
	r.POST("/echo", func(c *gin.Context) {
		raw, _ := c.GetRawData()
		c.JSON(http.StatusOK, gin.H{"caller": CallerAddress(c), "body": string(raw)})
	})
	r.POST("/protected", RequireSigner(), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return r
}

func signedRequest(t *testing.T, path string, body []byte, at time.Time) (*http.Request, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	h, err := SignRequest(key, http.MethodPost, path, body, at)
	if err != nil {
		t.Fatalf("SignRequest: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set(HeaderAddress, h.Address)
	req.Header.Set(HeaderTimestamp, h.Timestamp)
	req.Header.Set(HeaderSignature, h.Signature)
	return req, h.Address
}

func TestMiddleware_ValidSignature_SetsCaller(t *testing.T) {
	router := newRouter(NewVerifier(time.Minute))
	body := []byte(`{"amount":5}`)
	req, addr := signedRequest(t, "/echo", body, time.Now())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !bytes.Contains(w.Body.Bytes(), []byte(addr)) {
		t.Errorf("Expected caller %s in response, got %s", addr, w.Body.String())
	}
	if !bytes.Contains(w.Body.Bytes(), []byte(`amount`)) {
		t.Error("Expected body to be readable by the handler after verification")
	}
}

func TestMiddleware_TamperedBody_Rejected(t *testing.T) {
	router := newRouter(NewVerifier(time.Minute))
	req, _ := signedRequest(t, "/echo", []byte(`{"amount":5}`), time.Now())
	req.Body = httptest.NewRequest(http.MethodPost, "/echo", bytes.NewReader([]byte(`{"amount":500}`))).Body

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for tampered body, got %d", w.Code)
	}
}

func TestMiddleware_WrongClaimedAddress_Rejected(t *testing.T) {
	router := newRouter(NewVerifier(time.Minute))
	req, _ := signedRequest(t, "/echo", nil, time.Now())
	req.Header.Set(HeaderAddress, "0xaaaa000000000000000000000000000000000001")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestMiddleware_ExpiredSignature_Rejected(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)
	v := NewVerifier(time.Minute).WithClock(func() time.Time { return now })
	router := newRouter(v)

	req, _ := signedRequest(t, "/echo", nil, now.Add(-2*time.Minute))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for stale signature, got %d", w.Code)
	}

	req, _ = signedRequest(t, "/echo", nil, now.Add(2*time.Minute))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for future signature, got %d", w.Code)
	}
}

func TestMiddleware_BadTimestamp_Rejected(t *testing.T) {
	router := newRouter(NewVerifier(time.Minute))
	req, _ := signedRequest(t, "/echo", nil, time.Now())
	req.Header.Set(HeaderTimestamp, "yesterday")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestMiddleware_ResentRequest_Rejected(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)
	v := NewVerifier(time.Minute).WithClock(func() time.Time { return now })
	router := newRouter(v)

	key, _ := crypto.GenerateKey()
	body := []byte(`{"amount":5}`)
	h, err := SignRequest(key, http.MethodPost, "/echo", body, now)
	if err != nil {
		t.Fatalf("SignRequest: %v", err)
	}
	send := func() int {
		req := httptest.NewRequest(http.MethodPost, "/echo", bytes.NewReader(body))
		req.Header.Set(HeaderAddress, h.Address)
		req.Header.Set(HeaderTimestamp, h.Timestamp)
		req.Header.Set(HeaderSignature, h.Signature)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}

	if code := send(); code != http.StatusOK {
		t.Fatalf("Expected 200 on first use, got %d", code)
	}
	if code := send(); code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for resent request, got %d", code)
	}

	// A fresh signature for the same body is a new request.
	h, _ = SignRequest(key, http.MethodPost, "/echo", body, now.Add(time.Second))
	if code := send(); code != http.StatusOK {
		t.Errorf("Expected 200 for newly signed request, got %d", code)
	}
}

func TestVerifier_ForgetsExpiredEntries(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)
	v := NewVerifier(time.Minute).WithClock(func() time.Time { return now })

	if !v.firstUse("0xA", "msg", now.Unix()) {
		t.Fatal("Expected first use to be accepted")
	}
	if v.firstUse("0xa", "msg", now.Unix()) {
		t.Error("Expected signer match to ignore case")
	}

	now = now.Add(2 * time.Minute)
	v.firstUse("0xb", "other", now.Unix())
	if _, ok := v.seen["0xa|msg"]; ok {
		t.Error("Expected expired entry to be pruned")
	}
}

func TestMutating(t *testing.T) {
	for method, want := range map[string]bool{
		http.MethodGet: false, http.MethodHead: false, http.MethodOptions: false,
		http.MethodPost: true, http.MethodPut: true, http.MethodDelete: true,
	} {
		if got := mutating(method); got != want {
			t.Errorf("mutating(%s) = %v, want %v", method, got, want)
		}
	}
}

func TestMiddleware_NoHeaders_PassesThrough(t *testing.T) {
	router := newRouter(NewVerifier(time.Minute))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/echo", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte(`"caller":""`)) {
		t.Errorf("Expected empty caller, got %s", w.Body.String())
	}
}

func TestRequireSigner(t *testing.T) {
	router := newRouter(NewVerifier(time.Minute))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/protected", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without signature, got %d", w.Code)
	}

	req, _ := signedRequest(t, "/protected", nil, time.Now())
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("Expected 204 with signature, got %d", w.Code)
	}
}

func TestRecoverAddress_RoundTrip(t *testing.T) {
	key, _ := crypto.GenerateKey()
	msg := RequestMessage("post", "/v1/escrow", []byte("{}"), 42)

	sig, err := Sign(key, msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	got, err := RecoverAddress(msg, sig)
	if err != nil {
		t.Fatalf("RecoverAddress: %v", err)
	}
	if got != AddressOf(key) {
		t.Errorf("Expected %s, got %s", AddressOf(key), got)
	}

	if _, err := RecoverAddress(msg, "0x1234"); err == nil {
		t.Error("Expected error for short signature")
	}
	if _, err := RecoverAddress(msg, "not-hex"); err == nil {
		t.Error("Expected error for non-hex signature")
	}
}

func TestRequestMessage_Format(t *testing.T) {
	msg := RequestMessage("post", "/v1/escrow/0xabc/paid", nil, 1700000000)
	want := "P2PEscrow|POST|/v1/escrow/0xabc/paid|c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470|" + strconv.Itoa(1700000000)
	if msg != want {
		t.Errorf("Expected %q, got %q", want, msg)
	}
}

func TestParsePrivateKey(t *testing.T) {
	key, _ := crypto.GenerateKey()
	hexKey := "0x" + hex.EncodeToString(crypto.FromECDSA(key))

	parsed, err := ParsePrivateKey(hexKey)
	if err != nil {
		t.Fatalf("ParsePrivateKey: %v", err)
	}
	if AddressOf(parsed) != AddressOf(key) {
		t.Error("parsed key has a different address")
	}
	if _, err := ParsePrivateKey("nope"); err == nil {
		t.Error("Expected error for invalid key")
	}
}
