package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskflow/internal/config"
	"taskflow/pkg/artifact"
	"taskflow/pkg/generator"
	"taskflow/pkg/github"
)

func TestNewRegistryRegistersEveryKind(t *testing.T) {
	cfg := config.Default()
	cfg.Mockup.BaseURL = "http://mockups.local"

	reg, err := NewRegistry(cfg, github.NewClient(""))
	require.NoError(t, err)
	assert.ElementsMatch(t, artifact.Kinds, reg.Kinds())
}

func TestNewRegistryWithoutMockupService(t *testing.T) {
	reg, err := NewRegistry(config.Default(), github.NewClient(""))
	require.NoError(t, err)

	_, ok := reg.Get(artifact.KindMockup)
	assert.False(t, ok)
	_, ok = reg.Get(artifact.KindBRD)
	assert.True(t, ok)
}

func TestNewRegistryRejectsUnknownProvider(t *testing.T) {
	cfg := config.Default()
	cfg.Models.Stages[config.StagePRD] = generator.ModelConfig{Provider: "carrier-pigeon", ModelID: "coo"}

	_, err := NewRegistry(cfg, github.NewClient(""))
	assert.ErrorIs(t, err, generator.ErrUnknownProvider)
	assert.ErrorContains(t, err, "model for prd")
}
