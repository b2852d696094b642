package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LeadNurture/internal/config"
	"LeadNurture/internal/domain"
	"LeadNurture/internal/usecase"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Database.DSN = filepath.Join(t.TempDir(), "leads.db")
	cfg.Channels.Email.Host = "smtp.example.com"
	cfg.Channels.Email.From = "office@example.com"
	cfg.Channels.WhatsApp.PhoneNumberID = "1001"
	cfg.Channels.WhatsApp.Token = "wa-token"
	cfg.Channels.Reddit.Token = "reddit-token"
	return cfg
}

func TestNewRejectsStagesWithoutSender(t *testing.T) {
	cfg := testConfig(t)
	cfg.Channels.Reddit.Token = ""

	_, err := New(cfg, nil)
	require.ErrorIs(t, err, domain.ErrChannelUnavailable)
	assert.ErrorContains(t, err, "campaign nurture stage")
	assert.NotContains(t, err.Error(), "campaign hot-leads")
}

func TestNewRejectsUnconfiguredChannels(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Database.DSN = filepath.Join(t.TempDir(), "leads.db")

	_, err = New(cfg, nil)
	require.ErrorIs(t, err, domain.ErrChannelUnavailable)
	for _, campaign := range domain.KnownSequenceTypes {
		assert.ErrorContains(t, err, "campaign "+string(campaign))
	}
}

func TestNewWithEveryChannel(t *testing.T) {
	application, err := New(testConfig(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, application.Close()) })

	res, err := application.Trigger(context.Background(), domain.SequenceHotLeads)
	require.NoError(t, err)
	assert.Equal(t, usecase.TriggerAccepted, res.Status)
	require.NotNil(t, res.Result)
	assert.Zero(t, res.Result.TotalEvaluated)
}
