package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetJob_InvalidExpressionKeepsPrevious(t *testing.T) {
	s := New()
	require.NoError(t, s.SetJob("0 2 * * *", func() error { return nil }))
	require.Error(t, s.SetJob("every tuesday", func() error { return nil }))
	assert.Equal(t, "0 2 * * *", s.CronExpr())
}

func TestNextRunAt(t *testing.T) {
	s := New()
	assert.Nil(t, s.NextRunAt())

	require.NoError(t, s.SetJob("0 2 * * *", func() error { return nil }))
	s.Start()
	defer s.Stop()

	next := s.NextRunAt()
	require.NotNil(t, next)
	assert.True(t, next.After(time.Now()))
	assert.Equal(t, 2, next.Hour())
}

func TestJobErrorsDoNotStopSchedule(t *testing.T) {
	s := New()
	fired := make(chan struct{}, 4)
	require.NoError(t, s.SetJob("@every 1s", func() error {
		fired <- struct{}{}
		return errors.New("a scan is already in progress")
	}))
	s.Start()
	defer s.Stop()

	for i := 0; i < 2; i++ {
		select {
		case <-fired:
		case <-time.After(5 * time.Second):
			t.Fatal("scheduled job did not fire")
		}
	}
}
