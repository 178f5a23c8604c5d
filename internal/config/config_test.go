package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)
	for _, key := range []string{"PIPELINE_CONCURRENCY", "PARENT_LOOKBACK", "CALL_TIMEOUT", "MIN_HELPFULNESS", "SLACK_CHANNELS", "RESOLVE_PARENTS", "MESSAGE_HANDLERS"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 20, cfg.PipelineConcurrency)
	assert.Equal(t, 15, cfg.ParentLookback)
	assert.True(t, cfg.ResolveParents)
	assert.Equal(t, 60*time.Second, cfg.CallTimeout)
	assert.Equal(t, 7, cfg.MinHelpfulness)
	assert.Equal(t, 4, cfg.MessageHandlers)
	assert.Equal(t, "text-embedding-3-small", cfg.EmbeddingModel)
	assert.Empty(t, cfg.SlackChannels)
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("PIPELINE_CONCURRENCY", "4")
	t.Setenv("CALL_TIMEOUT", "5s")
	t.Setenv("RESOLVE_PARENTS", "false")
	t.Setenv("SLACK_CHANNELS", "C1, C2,,")
	t.Setenv("PROMPT_COST_PER_1K", "0.5")

	cfg := Load()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 4, cfg.PipelineConcurrency)
	assert.Equal(t, 5*time.Second, cfg.CallTimeout)
	assert.False(t, cfg.ResolveParents)
	assert.Equal(t, []string{"C1", "C2"}, cfg.SlackChannels)
	assert.InDelta(t, 0.5, cfg.PromptCostPer1K, 1e-9)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "missing api key",
			env:     map[string]string{"OPENAI_API_KEY": ""},
			wantErr: "OPENAI_API_KEY is required",
		},
		{
			name:    "unparsable integer",
			env:     map[string]string{"PARENT_LOOKBACK": "many"},
			wantErr: "PARENT_LOOKBACK must be an integer",
		},
		{
			name:    "zero concurrency",
			env:     map[string]string{"PIPELINE_CONCURRENCY": "0"},
			wantErr: "PIPELINE_CONCURRENCY must be positive",
		},
		{
			name:    "zero message handlers",
			env:     map[string]string{"MESSAGE_HANDLERS": "0"},
			wantErr: "MESSAGE_HANDLERS must be positive",
		},
		{
			name:    "bad duration",
			env:     map[string]string{"CALL_TIMEOUT": "soon"},
			wantErr: "CALL_TIMEOUT must be a duration",
		},
		{
			name:    "helpfulness out of range",
			env:     map[string]string{"MIN_HELPFULNESS": "11"},
			wantErr: "MIN_HELPFULNESS must be between 0 and 10",
		},
		{
			name:    "bad log level",
			env:     map[string]string{"LOG_LEVEL": "TRACE"},
			wantErr: "LOG_LEVEL must be one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			err := Load().Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_ReportsAllFailures(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("DOC_K", "x")
	t.Setenv("LOG_FORMAT", "xml")

	err := Load().Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OPENAI_API_KEY is required")
	assert.Contains(t, err.Error(), "DOC_K must be an integer")
	assert.Contains(t, err.Error(), "LOG_FORMAT must be one of")
}

func TestValidateSlack(t *testing.T) {
	tests := []struct {
		name         string
		bot, app     string
		channels     []string
		needAppToken bool
		wantErr      string
	}{
		{name: "valid", bot: "xoxb-1", app: "xapp-1", channels: []string{"C1"}, needAppToken: true},
		{name: "app token optional", bot: "xoxb-1", channels: []string{"C1"}},
		{name: "bad bot prefix", bot: "xoxp-1", channels: []string{"C1"}, wantErr: "must start with 'xoxb-'"},
		{name: "missing app token", bot: "xoxb-1", channels: []string{"C1"}, needAppToken: true, wantErr: "SLACK_APP_TOKEN is required"},
		{name: "no channels", bot: "xoxb-1", wantErr: "SLACK_CHANNELS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{SlackBotToken: tt.bot, SlackAppToken: tt.app, SlackChannels: tt.channels}
			err := cfg.ValidateSlack(tt.needAppToken)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
