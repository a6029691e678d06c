package credential

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defexai/defex-reviewer/internal/core"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name      string
		taskToken string
		defToken  string
		want      string
		wantErr   bool
	}{
		{name: "explicit wins", taskToken: "task", defToken: "default", want: "task"},
		{name: "explicit is trimmed", taskToken: "  task\n", want: "task"},
		{name: "default when task empty", defToken: "default", want: "default"},
		{name: "whitespace task falls back", taskToken: "   ", defToken: " default ", want: "default"},
		{name: "neither", wantErr: true},
		{name: "both blank", taskToken: " ", defToken: "\t", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.taskToken, tt.defToken)
			if tt.wantErr {
				require.Error(t, err)
				var ce *core.CredentialError
				assert.ErrorAs(t, err, &ce)
				assert.True(t, core.IsPermanent(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

type countingSource struct {
	token string
	err   error
	calls int
}

func (s *countingSource) Token(context.Context) (string, error) {
	s.calls++
	return s.token, s.err
}

func TestResolver_ExplicitTokenSkipsDefault(t *testing.T) {
	src := &countingSource{token: "default"}
	got, err := NewResolver(src).Resolve(context.Background(), "explicit")
	require.NoError(t, err)
	assert.Equal(t, "explicit", got)
	assert.Zero(t, src.calls)
}

func TestResolver_Default(t *testing.T) {
	got, err := NewResolver(StaticToken("bot")).Resolve(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "bot", got)
}

func TestResolver_NoSource(t *testing.T) {
	_, err := NewResolver(nil).Resolve(context.Background(), "")
	assert.Equal(t, "credential", core.Kind(err))
}

func TestResolver_EmptyStaticToken(t *testing.T) {
	_, err := NewResolver(StaticToken("")).Resolve(context.Background(), "")
	assert.Equal(t, "credential", core.Kind(err))
}

func TestResolver_SourceFailureIsTransient(t *testing.T) {
	_, err := NewResolver(&countingSource{err: errors.New("github down")}).Resolve(context.Background(), "")
	require.Error(t, err)
	assert.False(t, core.IsPermanent(err))
}
