package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLauncherAgainst(t *testing.T, handler http.Handler) *OrchestratorLauncher {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return NewOrchestratorLauncher(ts.URL, zerolog.New(nil).Level(zerolog.Disabled))
}

func TestLaunchSimulatorMapsPlacement(t *testing.T) {
	launcher := newLauncherAgainst(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/simulators", r.URL.Path)

		var req struct {
			UserID    string `json:"user_id"`
			SessionID string `json:"session_id"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "user-1", req.UserID)
		assert.Equal(t, "sess-1", req.SessionID)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"pod_name":     "sim-abc",
			"simulator_id": "abc",
			"endpoint":     "10.0.0.5:50060",
		})
	}))

	pod, err := launcher.LaunchSimulator(context.Background(), "user-1", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "sim-abc", pod.PodName)
	assert.Equal(t, "abc", pod.SimulatorID)
	assert.Equal(t, "10.0.0.5:50060", pod.Endpoint)
}

func TestLaunchSimulatorSurfacesRefusal(t *testing.T) {
	launcher := newLauncherAgainst(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error": "simulator pod sim-abc did not become ready",
		})
	}))

	_, err := launcher.LaunchSimulator(context.Background(), "user-1", "sess-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "orchestrator refused allocation")
	assert.Contains(t, err.Error(), "did not become ready")
}

func TestLaunchSimulatorTransportFailure(t *testing.T) {
	// A server that is already gone stands in for an unreachable orchestrator.
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	launcher := NewOrchestratorLauncher(url, zerolog.New(nil).Level(zerolog.Disabled))
	_, err := launcher.LaunchSimulator(context.Background(), "user-1", "sess-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to reach orchestrator")
}

func TestStopSimulatorReleases(t *testing.T) {
	var path string
	launcher := newLauncherAgainst(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.Equal(t, http.MethodDelete, r.Method)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]bool{"stopped": true})
	}))

	require.NoError(t, launcher.StopSimulator(context.Background(), "sess-1"))
	assert.Equal(t, "/v1/simulators/sess-1", path)
}

func TestStopSimulatorSurfacesRefusal(t *testing.T) {
	launcher := newLauncherAgainst(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error": "failed to stop simulator pod",
		})
	}))

	err := launcher.StopSimulator(context.Background(), "sess-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "orchestrator refused release")
}
