package sandbox

import (
	"testing"

	"github.com/dop251/goja"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScope_ReleasesEachHandleOnce(t *testing.T) {
	s := newScope()
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		require.NoError(t, s.Manage(HandleFunc(func() error {
			order = append(order, i)
			return nil
		})))
	}
	assert.Equal(t, 3, s.Live())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.Equal(t, []int{2, 1, 0}, order)
	assert.Equal(t, 0, s.Live())
}

func TestScope_AggregatesReleaseErrors(t *testing.T) {
	s := newScope()
	require.NoError(t, s.Manage(HandleFunc(func() error { return errors.New("first") })))
	require.NoError(t, s.Manage(HandleFunc(func() error { return nil })))
	require.NoError(t, s.Manage(HandleFunc(func() error { return errors.New("second") })))

	err := s.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "first")
	assert.Contains(t, err.Error(), "second")
}

func TestScope_ManageAfterCloseReleasesImmediately(t *testing.T) {
	s := newScope()
	require.NoError(t, s.Close())

	released := false
	require.NoError(t, s.Manage(HandleFunc(func() error {
		released = true
		return nil
	})))
	assert.True(t, released)
	assert.Equal(t, 0, s.Live())
}

func TestScope_ConstantsAreNotTracked(t *testing.T) {
	vm := goja.New()
	s := newScope()

	s.Value(goja.Undefined())
	s.Value(goja.Null())
	s.Value(vm.ToValue(true))
	s.Value(vm.ToValue(false))
	assert.Equal(t, 0, s.Live())

	s.Value(vm.ToValue("text"))
	s.Value(vm.NewObject())
	assert.Equal(t, 2, s.Live())
	require.NoError(t, s.Close())
}

func TestScope_PostAfterCloseIsDropped(t *testing.T) {
	s := newScope()
	assert.True(t, s.Post(func() {}))
	<-s.Ready()
	assert.Len(t, s.takeQueued(), 1)

	require.NoError(t, s.Close())
	assert.False(t, s.Post(func() {}))
	assert.Empty(t, s.takeQueued())
}

func TestPromiseHandle_DropsLateSettlement(t *testing.T) {
	h := &promiseHandle{}
	require.NoError(t, h.Release())
	assert.False(t, h.settle())

	h2 := &promiseHandle{}
	assert.True(t, h2.settle())
	assert.False(t, h2.settle())
}
