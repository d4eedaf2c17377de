package genesis

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/synergy-network/synergy-node/internal/cluster"
	"github.com/synergy-network/synergy-node/internal/points"
	"github.com/synergy-network/synergy-node/pkg/config"
	"github.com/synergy-network/synergy-node/pkg/logger"
)

const testnet = `
version: 1
network: synergy-testnet
validators:
  - id: n1
    endpoint: /ip4/10.0.0.1/tcp/9090
    stake: 1000
    resources: {cpu: 8, memory: 16384, storage: 100000, bandwidth: 10000}
  - id: n2
    endpoint: /ip4/10.0.0.2/tcp/9090
    resources: {cpu: 8, memory: 16384}
  - id: n3
    endpoint: /dns4/n3.synergy.local/tcp/9090
    availability: 0.8
    resources: {cpu: 4, memory: 8192, gpu: true, special_hardware: [tpm]}
  - id: n4
    endpoint: /ip6/::1/tcp/9090
    resources: {cpu: 4, memory: 8192}
  - id: n5
    endpoint: /ip4/10.0.0.5/tcp/9090
    resources: {cpu: 2, memory: 4096}
clusters:
  - id: c1
    members: [n1, n2, n3, n4]
    min_validators: 4
    max_validators: 7
`

func newManager() *cluster.Manager {
	cfg := config.LoadWithDefaults()
	log := logger.Discard()
	return cluster.NewManager(&cfg.Cluster, points.NewLedger(&cfg.Points, log), log)
}

func TestParseAndApply(t *testing.T) {
	g, err := Parse([]byte(testnet))
	require.NoError(t, err)
	require.Equal(t, "synergy-testnet", g.Network)
	require.Len(t, g.Validators, 5)

	mgr := newManager()
	require.NoError(t, Apply(g, mgr))

	require.Len(t, mgr.Validators(), 5)
	n3, err := mgr.GetValidator("n3")
	require.NoError(t, err)
	require.Equal(t, 0.8, n3.Availability)
	require.True(t, n3.Resources.GPU)
	require.Equal(t, []string{"tpm"}, n3.Resources.SpecialHardware)

	n1, err := mgr.GetValidator("n1")
	require.NoError(t, err)
	require.Equal(t, 1.0, n1.Availability)
	require.Equal(t, uint64(1000), n1.Stake)

	c, err := mgr.GetCluster("c1")
	require.NoError(t, err)
	require.Equal(t, []string{"n1", "n2", "n3", "n4"}, c.MemberIDs())
	require.True(t, c.IsActive())

	_, err = mgr.GetValidatorCluster("n5")
	require.ErrorIs(t, err, cluster.ErrClusterNotFound)
}

func TestApplyTwiceConflicts(t *testing.T) {
	g, err := Parse([]byte(testnet))
	require.NoError(t, err)
	mgr := newManager()
	require.NoError(t, Apply(g, mgr))
	require.ErrorIs(t, Apply(g, mgr), cluster.ErrClusterExists)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "genesis.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testnet), 0o600))

	g, err := Load(path)
	require.NoError(t, err)
	require.Len(t, g.Clusters, 1)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "empty document",
			doc:  "",
			want: "empty document",
		},
		{
			name: "unsupported version",
			doc:  "version: 2\nvalidators:\n  - id: a\n    endpoint: /ip4/10.0.0.1/tcp/9090\n",
			want: "unsupported version",
		},
		{
			name: "unknown key",
			doc:  "version: 1\nvalidatorz: []\n",
			want: "validatorz",
		},
		{
			name: "no validators",
			doc:  "version: 1\n",
			want: "no validators",
		},
		{
			name: "duplicate validator",
			doc:  "version: 1\nvalidators:\n  - id: a\n    endpoint: /ip4/10.0.0.1/tcp/9090\n  - id: a\n    endpoint: /ip4/10.0.0.2/tcp/9090\n",
			want: "duplicate validator",
		},
		{
			name: "missing endpoint",
			doc:  "version: 1\nvalidators:\n  - id: a\n",
			want: "no endpoint",
		},
		{
			name: "endpoint without port",
			doc:  "version: 1\nvalidators:\n  - id: a\n    endpoint: /ip4/10.0.0.1\n",
			want: "missing tcp port",
		},
		{
			name: "endpoint not a multiaddr",
			doc:  "version: 1\nvalidators:\n  - id: a\n    endpoint: 10.0.0.1:9090\n",
			want: "invalid endpoint",
		},
		{
			name: "availability out of range",
			doc:  "version: 1\nvalidators:\n  - id: a\n    endpoint: /ip4/10.0.0.1/tcp/9090\n    availability: 1.5\n",
			want: "availability",
		},
		{
			name: "unknown member",
			doc:  "version: 1\nvalidators:\n  - id: a\n    endpoint: /ip4/10.0.0.1/tcp/9090\nclusters:\n  - id: c1\n    members: [a, b]\n",
			want: "not a declared validator",
		},
		{
			name: "validator in two clusters",
			doc:  "version: 1\nvalidators:\n  - id: a\n    endpoint: /ip4/10.0.0.1/tcp/9090\nclusters:\n  - id: c1\n    members: [a]\n  - id: c2\n    members: [a]\n",
			want: "is in clusters",
		},
		{
			name: "below min validators",
			doc:  "version: 1\nvalidators:\n  - id: a\n    endpoint: /ip4/10.0.0.1/tcp/9090\nclusters:\n  - id: c1\n    members: [a]\n    min_validators: 4\n",
			want: "below min_validators",
		},
		{
			name: "cluster without members",
			doc:  "version: 1\nvalidators:\n  - id: a\n    endpoint: /ip4/10.0.0.1/tcp/9090\nclusters:\n  - id: c1\n",
			want: "no members",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.ErrorIs(t, err, ErrInvalid)
			require.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestApplyRejectsClusterBelowConfiguredMinimum(t *testing.T) {
	// Without explicit bounds the manager's default minimum of 7 applies.
	doc := "version: 1\nvalidators:\n  - id: a\n    endpoint: /ip4/10.0.0.1/tcp/9090\nclusters:\n  - id: c1\n    members: [a]\n"
	g, err := Parse([]byte(doc))
	require.NoError(t, err)
	require.ErrorIs(t, Apply(g, newManager()), cluster.ErrNoClusterFormed)
}
