package async

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGo_Await(t *testing.T) {
	f := Go(func() (int, error) { return 42, nil })

	v, err := f.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestGo_AwaitError(t *testing.T) {
	f := Go(func() (string, error) { return "", errors.New("boom") })

	_, err := f.Await(context.Background())
	assert.EqualError(t, err, "boom")
}

func TestAwait_ContextCancelled(t *testing.T) {
	f := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestThen(t *testing.T) {
	t.Run("registered before settle", func(t *testing.T) {
		f := New[string]()
		got := make(chan any, 1)
		f.Then(func(v any) { got <- v }, nil)
		f.Resolve("ok")
		assert.Equal(t, "ok", <-got)
	})

	t.Run("registered after settle", func(t *testing.T) {
		f := Resolved(7)
		var got any
		f.Then(func(v any) { got = v }, nil)
		assert.Equal(t, 7, got)
	})

	t.Run("rejection", func(t *testing.T) {
		f := New[int]()
		var got error
		f.Reject(errors.New("nope"))
		f.Then(nil, func(err error) { got = err })
		assert.EqualError(t, got, "nope")
	})
}

func TestSettleOnce(t *testing.T) {
	f := New[int]()
	f.Resolve(1)
	f.Resolve(2)
	f.Reject(errors.New("late"))

	v, err := f.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestMap(t *testing.T) {
	src := New[int]()
	doubled := Map(src, func(v int, err error) (int, error) {
		return v * 2, err
	})
	src.Resolve(21)

	v, err := doubled.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	failed := Map(Go(func() (string, error) { return "", errors.New("nope") }), func(_ string, err error) (bool, error) {
		if err != nil {
			return false, errors.Wrap(err, "translated")
		}
		return true, nil
	})
	_, err = failed.Await(context.Background())
	require.Error(t, err)
	assert.Equal(t, "translated: nope", err.Error())
}
