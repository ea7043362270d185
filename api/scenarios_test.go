package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
)

func TestScenarios_List(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/scenarios", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]ScenarioDTO](t, rec)
	require.Len(t, list, 3)
	assert.Equal(t, "pipeline", list[0].ID)
}

func TestScenarios_LoadIsIdempotent(t *testing.T) {
	// GIVEN: The pipeline scenario loaded once
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "pipeline"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// WHEN: It is loaded again
	rec = s.do(t, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "pipeline"})

	// THEN: Nothing is duplicated
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = s.do(t, http.MethodGet, "/api/commissions", nil)
	assert.Len(t, decode[[]CommissionDTO](t, rec), 9)
	rec = s.do(t, http.MethodGet, "/api/affiliates", nil)
	assert.Len(t, decode[[]AffiliateDTO](t, rec), 4)

	// AND: It is reported as current
	rec = s.do(t, http.MethodGet, "/api/scenarios/current", nil)
	assert.Equal(t, "pipeline", decode[ScenarioDTO](t, rec).ID)
}

func TestScenarios_SeededBalancesMatchCommissions(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "pipeline"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/affiliates/aff-goldcoast", nil)
	a := decode[AffiliateDTO](t, rec)

	// pl-holding is pending, pl-available is current, pl-paid is neither
	assert.Equal(t, "210.00", a.PendingBalance)
	assert.Equal(t, "99.99", a.CurrentBalance)
}

func TestScenarios_BacklogCascadesInOneRun(t *testing.T) {
	// GIVEN: 250 commissions whose trips started and ended while nothing ran
	s := newTestServer(t)
	require.NoError(t, s.handler.SeedScenario(context.Background(), "backlog"))

	// WHEN: A single run happens with a batch size smaller than the backlog
	rec := s.do(t, http.MethodPost, "/api/lifecycle/run", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	summary := decode[commission.RunSummary](t, rec)

	// THEN: Every commission is started and completed, none released
	assert.Equal(t, 250, summary.TripsStarted.Processed)
	assert.Equal(t, 250, summary.TripsCompleted.Processed)
	assert.Equal(t, 0, summary.CommissionsReleased.Processed)

	rec = s.do(t, http.MethodGet, "/api/commissions?status=in_hold_period", nil)
	assert.Len(t, decode[[]CommissionDTO](t, rec), 250)
}

func TestScenarios_Unknown(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "nope"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
