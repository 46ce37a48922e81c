package distributor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradesim/tradesim/internal/domain"
)

var barBase = time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)

func minuteBar(symbol string, ts time.Time, price float64) domain.MinuteBar {
	return domain.MinuteBar{
		Symbol:    symbol,
		Timestamp: ts,
		Open:      price,
		High:      price,
		Low:       price,
		Close:     price,
		Volume:    1000,
		VWAP:      price,
	}
}

func TestRegisterSendsHostAndPort(t *testing.T) {
	var got registration
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/register", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, zerolog.New(nil).Level(zerolog.Disabled))
	require.NoError(t, client.Register(context.Background(), "10.0.0.5", 8087))

	assert.Equal(t, "10.0.0.5", got.Host)
	assert.Equal(t, 8087, got.Port)
}

func TestRegisterRejectionSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"success":false,"error":"host unreachable"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, zerolog.New(nil).Level(zerolog.Disabled))
	err := client.Register(context.Background(), "10.0.0.5", 8087)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected registration")
	assert.Contains(t, err.Error(), "host unreachable")
}

func TestFetchBarsMergesAndSorts(t *testing.T) {
	from := barBase
	to := barBase.Add(3 * time.Minute)

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/bars/AAPL", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, strconv.FormatInt(from.Unix(), 10), r.URL.Query().Get("from"))
		assert.Equal(t, strconv.FormatInt(to.Unix(), 10), r.URL.Query().Get("to"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"bars": []domain.MinuteBar{
				minuteBar("AAPL", barBase.Add(2*time.Minute), 102),
				minuteBar("AAPL", barBase.Add(time.Minute), 101),
			},
		})
	})
	mux.HandleFunc("/v1/bars/MSFT", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"bars": []domain.MinuteBar{
				minuteBar("MSFT", barBase.Add(time.Minute), 201),
			},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewClient(srv.URL, zerolog.New(nil).Level(zerolog.Disabled))
	bars, err := client.FetchBars(context.Background(), []string{"AAPL", "MSFT"}, from, to)
	require.NoError(t, err)
	require.Len(t, bars, 3)

	assert.Equal(t, "AAPL", bars[0].Symbol)
	assert.True(t, bars[0].Timestamp.Equal(barBase.Add(time.Minute)))
	assert.Equal(t, "MSFT", bars[1].Symbol, "same minute orders by symbol")
	assert.Equal(t, "AAPL", bars[2].Symbol)
	assert.True(t, bars[2].Timestamp.Equal(barBase.Add(2*time.Minute)))
}

func TestFetchBarsPropagatesServerError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/bars/AAPL", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"bars": []domain.MinuteBar{}})
	})
	mux.HandleFunc("/v1/bars/MSFT", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewClient(srv.URL, zerolog.New(nil).Level(zerolog.Disabled))
	_, err := client.FetchBars(context.Background(), []string{"AAPL", "MSFT"}, barBase, barBase.Add(time.Minute))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MSFT")
}
