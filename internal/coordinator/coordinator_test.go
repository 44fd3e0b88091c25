package coordinator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ltmc/internal/types"
)

func TestExecute_AllStepsCommit(t *testing.T) {
	c := New()
	var order []string

	tx := NewTransaction()
	tx.AddStep(Step{Backend: types.BackendRS, Required: true, Apply: func(ctx context.Context) error {
		order = append(order, "rs")
		return nil
	}})
	tx.AddStep(Step{Backend: types.BackendVI, Required: false, Apply: func(ctx context.Context) error {
		order = append(order, "vi")
		return nil
	}})

	result, err := c.Execute(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, []string{"rs", "vi"}, order)
	assert.ElementsMatch(t, []types.Backend{types.BackendRS, types.BackendVI}, result.AffectedBackends)
	for _, r := range result.PerBackendResults {
		assert.Equal(t, StatusCommitted, r.Status)
	}
}

func TestExecute_NonRequiredFailure_ContinuesAndExcludesFromAffected(t *testing.T) {
	c := New()

	tx := NewTransaction()
	tx.AddStep(Step{Backend: types.BackendRS, Required: true, Apply: func(ctx context.Context) error { return nil }})
	tx.AddStep(Step{Backend: types.BackendGS, Required: false, Apply: func(ctx context.Context) error {
		return errors.New("neo4j unreachable")
	}})
	tx.AddStep(Step{Backend: types.BackendCS, Required: false, Apply: func(ctx context.Context) error { return nil }})

	result, err := c.Execute(context.Background(), tx)
	require.NoError(t, err, "a non-required failure must not fail the whole transaction")

	assert.ElementsMatch(t, []types.Backend{types.BackendRS, types.BackendCS}, result.AffectedBackends,
		"GS must not appear in affected_backends since it failed")

	var gsResult *BackendResult
	for i := range result.PerBackendResults {
		if result.PerBackendResults[i].Backend == types.BackendGS {
			gsResult = &result.PerBackendResults[i]
		}
	}
	require.NotNil(t, gsResult)
	assert.Equal(t, StatusFailed, gsResult.Status)
	assert.NotEmpty(t, gsResult.FallbackReason)
}

func TestExecute_RequiredFailure_RollsBackPriorSteps(t *testing.T) {
	c := New()
	var compensated []types.Backend

	tx := NewTransaction()
	tx.AddStep(Step{
		Backend:  types.BackendRS,
		Required: true,
		Apply:    func(ctx context.Context) error { return nil },
		Compensate: func(ctx context.Context) error {
			compensated = append(compensated, types.BackendRS)
			return nil
		},
	})
	tx.AddStep(Step{
		Backend:  types.BackendUIL,
		Required: false,
		Apply:    func(ctx context.Context) error { return nil },
		Compensate: func(ctx context.Context) error {
			compensated = append(compensated, types.BackendUIL)
			return nil
		},
	})
	tx.AddStep(Step{
		Backend:  types.BackendGS,
		Required: true,
		Apply:    func(ctx context.Context) error { return errors.New("neo4j write timeout") },
	})

	result, err := c.Execute(context.Background(), tx)
	require.Error(t, err)

	assert.Empty(t, result.AffectedBackends, "aborted transaction must claim no committed backends")
	assert.Equal(t, []types.Backend{types.BackendUIL, types.BackendRS}, compensated,
		"compensations run in reverse of apply order")

	statuses := make(map[types.Backend]Status)
	for _, r := range result.PerBackendResults {
		statuses[r.Backend] = r.Status
	}
	assert.Equal(t, StatusRolledBack, statuses[types.BackendRS])
	assert.Equal(t, StatusRolledBack, statuses[types.BackendUIL])
	assert.Equal(t, StatusFailed, statuses[types.BackendGS])
}

func TestExecute_RollbackIsBestEffort_OneCompensationFailureDoesNotStopOthers(t *testing.T) {
	c := New()
	var ranCompensations []types.Backend

	tx := NewTransaction()
	tx.AddStep(Step{
		Backend: types.BackendRS, Required: true,
		Apply: func(ctx context.Context) error { return nil },
		Compensate: func(ctx context.Context) error {
			ranCompensations = append(ranCompensations, types.BackendRS)
			return nil
		},
	})
	tx.AddStep(Step{
		Backend: types.BackendCS, Required: false,
		Apply: func(ctx context.Context) error { return nil },
		Compensate: func(ctx context.Context) error {
			ranCompensations = append(ranCompensations, types.BackendCS)
			return errors.New("redis down during rollback")
		},
	})
	tx.AddStep(Step{
		Backend: types.BackendGS, Required: true,
		Apply: func(ctx context.Context) error { return errors.New("abort") },
	})

	result, err := c.Execute(context.Background(), tx)
	require.Error(t, err)
	assert.ElementsMatch(t, []types.Backend{types.BackendCS, types.BackendRS}, ranCompensations)
	assert.Empty(t, result.AffectedBackends)
}
