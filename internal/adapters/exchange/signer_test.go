package exchange_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alejandrodnm/hedger/internal/adapters/exchange"
	"github.com/alejandrodnm/hedger/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Well-known throwaway key (hardhat account #0).
const (
	testKey     = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	testChainID = 42161
)

func TestWalletSigner_SignAndRecover(t *testing.T) {
	s, err := exchange.NewWalletSigner("0x"+testKey, testChainID)
	require.NoError(t, err)
	assert.Equal(t, testAddress, s.Address())

	body := []byte(`{"symbol":"BTCUSDT","side":"long"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/positions/close", bytes.NewReader(body))
	require.NoError(t, s.Sign(req, body))
	assert.Equal(t, testAddress, req.Header.Get(exchange.HeaderWalletAddress))
	assert.NotEmpty(t, req.Header.Get(exchange.HeaderWalletTimestamp))

	got, err := exchange.RecoverSigner(req, body, testChainID)
	require.NoError(t, err)
	assert.Equal(t, testAddress, got)

	// Any change to the signed content breaks the signature.
	_, err = exchange.RecoverSigner(req, []byte(`{"symbol":"ETHUSDT","side":"long"}`), testChainID)
	assert.Error(t, err)
	_, err = exchange.RecoverSigner(req, body, 1)
	assert.Error(t, err)
}

func TestWalletSigner_InvalidKey(t *testing.T) {
	_, err := exchange.NewWalletSigner("not-a-key", testChainID)
	assert.Error(t, err)
}

func TestRESTVenue_SignsRequests(t *testing.T) {
	var signed []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		wallet, err := exchange.RecoverSigner(r, body, testChainID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		signed = append(signed, r.Method+" "+r.URL.Path)
		assert.Equal(t, testAddress, wallet)

		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/orders":
			w.Write([]byte(`{"order_id":"o-9","fill_price":"100","filled_qty":"1"}`))
		case "/v1/ticker":
			w.Write([]byte(`{"symbol":"BTCUSDT","mark_price":"100.5"}`))
		}
	}))
	defer srv.Close()

	signer, err := exchange.NewWalletSigner(testKey, testChainID)
	require.NoError(t, err)
	v := exchange.NewRESTVenue(exchange.RESTConfig{Name: "dex", BaseURL: srv.URL, RatePerSec: 1000, Signer: signer})

	_, err = v.PlaceOrder(context.Background(), domain.OrderRequest{
		Symbol: "BTCUSDT", Side: domain.SideLong, Quantity: d("1"), Leverage: d("2"),
	})
	require.NoError(t, err)
	price, err := v.LivePrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, d("100.5").Equal(price))
	assert.Equal(t, []string{"POST /v1/orders", "GET /v1/ticker"}, signed)
}
