package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zoff-tech/envelope-ingest/pkg/config"
)

func TestForEachContainer_ContinuesPastFailure(t *testing.T) {
	routes := []config.ContainerRoute{
		{Source: "alpha", Enabled: true},
		{Source: "bravo", Enabled: true},
		{Source: "charlie", Enabled: false},
		{Source: "delta", Enabled: true},
	}

	var visited []string
	job := forEachContainer(routes, func(ctx context.Context, container string) error {
		visited = append(visited, container)
		if container == "alpha" {
			return errors.New("container unavailable")
		}
		return nil
	})

	err := job(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, []string{"alpha", "bravo", "delta"}, visited)
}
