package main

import (
	"context"
	"strings"
	"testing"

	"forgechat/internal/store"
)

func TestTaskTitle(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"  hello world  ", "hello world"},
		{"first line\nsecond line", "first line"},
		{strings.Repeat("x", 80), strings.Repeat("x", 60)},
		{"", ""},
	}
	for _, tc := range cases {
		if got := taskTitle(tc.in); got != tc.want {
			t.Errorf("taskTitle(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestTaskGatewayTouchStaysLocal(t *testing.T) {
	tasks, err := store.NewTaskStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewTaskStore: %v", err)
	}
	defer tasks.Close()

	// No API client bound: a touch must never reach the server.
	g := &taskGateway{tasks: tasks}
	if err := g.TouchTask(context.Background(), "t1"); err != nil {
		t.Fatalf("TouchTask: %v", err)
	}
	rec, err := tasks.Get("t1")
	if err != nil || rec == nil {
		t.Fatalf("Get after touch: rec=%v err=%v", rec, err)
	}
}
