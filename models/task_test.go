package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestCanTransition проверяет таблицу переходов задачи.
func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to TaskStatus
		ok       bool
	}{
		{TaskWorking, TaskPaused, true},
		{TaskPaused, TaskWorking, true},
		{TaskWorking, TaskStopped, true},
		{TaskPaused, TaskStopped, true},
		{TaskWorking, TaskFinished, true},
		{TaskPaused, TaskFinished, true},
		{TaskPaused, TaskPaused, true},
		{TaskFinished, TaskWorking, false},
		{TaskStopped, TaskWorking, false},
		{TaskStopped, TaskStopped, false},
		{TaskFinished, TaskStopped, false},
	}
	for _, tc := range cases {
		require.Equalf(t, tc.ok, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestParseActionType(t *testing.T) {
	a, ok := ParseActionType("mixed")
	require.True(t, ok)
	require.Equal(t, ActionMixed, a)

	_, ok = ParseActionType("auto_reply")
	require.False(t, ok, "auto_reply запускается отдельным маршрутом")
}
