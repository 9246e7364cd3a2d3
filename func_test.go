// SPDX-License-Identifier: GPL-3.0-or-later

package stagehttp

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// FuncAdapter forwards the call to the wrapped function.
func TestFuncAdapter(t *testing.T) {
	adapter := FuncAdapter[int, string](func(ctx context.Context, input int) (string, error) {
		return strconv.Itoa(input), nil
	})

	output, err := adapter.Call(context.Background(), 42)

	require.NoError(t, err)
	assert.Equal(t, "42", output)
}

// Compose2 stops at the first failing operation.
func TestCompose2(t *testing.T) {
	t.Run("success path", func(t *testing.T) {
		op1 := FuncAdapter[int, string](func(ctx context.Context, n int) (string, error) {
			return "hello", nil
		})
		op2 := FuncAdapter[string, int](func(ctx context.Context, s string) (int, error) {
			return len(s), nil
		})

		result, err := Compose2(op1, op2).Call(context.Background(), 42)

		require.NoError(t, err)
		assert.Equal(t, 5, result)
	})

	t.Run("first operation fails", func(t *testing.T) {
		wantErr := errors.New("op1 failed")
		op1 := FuncAdapter[int, string](func(ctx context.Context, n int) (string, error) {
			return "", wantErr
		})
		op2 := FuncAdapter[string, int](func(ctx context.Context, s string) (int, error) {
			t.Fatal("op2 should not be called")
			return 0, nil
		})

		_, err := Compose2(op1, op2).Call(context.Background(), 42)

		require.ErrorIs(t, err, wantErr)
	})

	t.Run("second operation fails", func(t *testing.T) {
		wantErr := errors.New("op2 failed")
		op1 := FuncAdapter[int, string](func(ctx context.Context, n int) (string, error) {
			return "hello", nil
		})
		op2 := FuncAdapter[string, int](func(ctx context.Context, s string) (int, error) {
			return 0, wantErr
		})

		_, err := Compose2(op1, op2).Call(context.Background(), 42)

		require.ErrorIs(t, err, wantErr)
	})
}

// Compose3 and Compose4 run the operations in order.
func TestComposeN(t *testing.T) {
	inc := FuncAdapter[int, int](func(ctx context.Context, n int) (int, error) { return n + 1, nil })
	dbl := FuncAdapter[int, int](func(ctx context.Context, n int) (int, error) { return n * 2, nil })
	dec := FuncAdapter[int, int](func(ctx context.Context, n int) (int, error) { return n - 3, nil })

	result, err := Compose3[int, int, int, int](inc, dbl, dec).Call(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 9, result) // (5 + 1) * 2 - 3

	result, err = Compose4[int, int, int, int, int](inc, dbl, dec, dbl).Call(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 18, result) // ((5 + 1) * 2 - 3) * 2
}
