package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/AleksandrSl/client/internal/action"
)

// RunWithGolden executes a scenario and compares the settled snapshot
// against a golden file stored in testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// The snapshot uses canonical JSON, so two runs of the same scenario
// produce byte-identical output once the engine settles.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}

	snapshotJSON, err := action.MarshalFields(result.Snapshot)
	if err != nil {
		return nil, err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, snapshotJSON)

	return result, nil
}
