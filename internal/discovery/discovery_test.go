package discovery

import (
	"context"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRetentionDays(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		want   int
		wantOK bool
	}{
		{name: "empty string", input: "", wantOK: false},
		{name: "7 days", input: "7d", want: 7, wantOK: true},
		{name: "24 hours", input: "24h", want: 1, wantOK: true},
		{name: "30 hours rounds up", input: "30h", want: 2, wantOK: true},
		{name: "plain number (days)", input: "10", want: 10, wantOK: true},
		{name: "zero keeps forever", input: "0", want: 0, wantOK: true},
		{name: "negative days", input: "-5d", wantOK: false},
		{name: "invalid format", input: "invalid", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseRetentionDays(tt.input, "test-container")
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

type fakeDocker struct {
	containers []types.Container
	inspect    map[string]types.ContainerJSON
}

func (f *fakeDocker) ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error) {
	return f.containers, nil
}

func (f *fakeDocker) ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error) {
	return f.inspect[containerID], nil
}

func inspected(id, name, image string, running bool, env []string, labels map[string]string) types.ContainerJSON {
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			ID:    id,
			Name:  "/" + name,
			State: &types.ContainerState{Running: running},
		},
		Config: &container.Config{Image: image, Env: env, Labels: labels},
	}
}

func TestListFindsPostgresContainers(t *testing.T) {
	fd := &fakeDocker{
		containers: []types.Container{
			{ID: "1", Image: "postgres:16"},
			{ID: "2", Image: "redis:7"},
			{ID: "3", Image: "timescale/timescaledb:latest-pg16"},
		},
		inspect: map[string]types.ContainerJSON{
			"1": inspected("1", "shop-db", "postgres:16", true,
				[]string{"POSTGRES_USER=shop", "POSTGRES_DB=shop_prod", "PATH=/usr/bin"},
				map[string]string{LabelCron: "0 2 * * *", LabelRetention: "14d"}),
			"3": inspected("3", "metrics-db", "timescale/timescaledb:latest-pg16", false, nil, nil),
		},
	}

	got, err := NewLister(fd).List(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "metrics-db", got[0].ContainerName)
	assert.False(t, got[0].Running)
	assert.Equal(t, "postgres", got[0].DBUser)
	assert.Equal(t, "postgres", got[0].DBName)
	assert.Nil(t, got[0].RetentionDays)

	assert.Equal(t, "shop-db", got[1].ContainerName)
	assert.True(t, got[1].Running)
	assert.Equal(t, "shop", got[1].DBUser)
	assert.Equal(t, "shop_prod", got[1].DBName)
	assert.Equal(t, "0 2 * * *", got[1].CronSchedule)
	require.NotNil(t, got[1].RetentionDays)
	assert.Equal(t, 14, *got[1].RetentionDays)
}
