package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type trace struct{ calls []string }

func (tr *trace) component(name string, startErr error) Component {
	return Component{
		Name: name,
		Start: func(context.Context) error {
			tr.calls = append(tr.calls, "start "+name)
			return startErr
		},
		Stop: func(context.Context) error {
			tr.calls = append(tr.calls, "stop "+name)
			return nil
		},
	}
}

func (tr *trace) closer(name string) Closer {
	return Closer{Name: name, Close: func() error {
		tr.calls = append(tr.calls, "close "+name)
		return nil
	}}
}

func TestAppStopsInReverseOrder(t *testing.T) {
	tr := &trace{}
	app := New(nil, nil, time.Second,
		[]Component{tr.component("scheduler", nil), tr.component("engine", nil), tr.component("alerts", nil)},
		[]Closer{tr.closer("clickhouse"), tr.closer("redis")})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, app.RunContext(ctx))

	assert.Equal(t, []string{
		"start scheduler", "start engine", "start alerts",
		"stop alerts", "stop engine", "stop scheduler",
		"close redis", "close clickhouse",
	}, tr.calls)
}

func TestAppStartFailureStopsStartedOnly(t *testing.T) {
	tr := &trace{}
	boom := errors.New("boom")
	app := New(nil, nil, time.Second,
		[]Component{tr.component("scheduler", nil), tr.component("engine", boom), tr.component("alerts", nil)},
		nil)

	err := app.RunContext(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"start scheduler", "start engine", "stop scheduler"}, tr.calls)
}
