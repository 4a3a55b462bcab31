package muni

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pmaris/how-late-is-muni/model"
	"github.com/pmaris/how-late-is-muni/storage"
	"github.com/pmaris/how-late-is-muni/upstream"
)

func TestServiceClassForWeekday(t *testing.T) {
	require.Equal(t, model.ServiceClassSaturday, ServiceClassForWeekday(time.Saturday))
	require.Equal(t, model.ServiceClassSunday, ServiceClassForWeekday(time.Sunday))
	require.Equal(t, model.ServiceClassWeekday, ServiceClassForWeekday(time.Monday))
	require.Equal(t, model.ServiceClassWeekday, ServiceClassForWeekday(time.Friday))
}

func TestRouteManagerStopAllWithNoWorkersIsNoop(t *testing.T) {
	store := storage.NewMemoryStorage()
	up := upstream.NewClient(upstream.Config{AgencyTag: "sf-muni", BaseURL: "http://example.invalid"})
	m := NewManager(up, store, ManagerConfig{DaySwitchTime: 10800})

	m.stopAll()
	m.wg.Wait()
}

func TestRouteManagerSwitchDayPropagatesUpstreamFailure(t *testing.T) {
	store := storage.NewMemoryStorage()
	up := upstream.NewClient(upstream.Config{AgencyTag: "sf-muni", BaseURL: "http://127.0.0.1:1"})
	m := NewManager(up, store, ManagerConfig{DaySwitchTime: 10800})

	err := m.switchDay(context.Background())
	require.Error(t, err)

	// A failed switch must not leave dangling worker goroutines.
	m.stopAll()
	m.wg.Wait()
}
