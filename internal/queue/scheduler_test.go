package queue

import "testing"

func TestHostSchedulerUnlimitedByDefault(t *testing.T) {
	s := NewHostScheduler()
	if !s.CanStart("https://example.com/a") {
		t.Fatal("expected unlimited host to allow a start")
	}
}

func TestHostSchedulerEnforcesLimit(t *testing.T) {
	s := NewHostScheduler()
	s.SetHostLimit("example.com", 1)

	if !s.CanStart("https://example.com/a") {
		t.Fatal("expected first start to be allowed")
	}
	s.OnStarted("https://example.com/a")

	if s.CanStart("https://example.com/b") {
		t.Fatal("expected second concurrent start against the same host to be blocked")
	}

	s.OnFinished("https://example.com/a")
	if !s.CanStart("https://example.com/b") {
		t.Fatal("expected a start to be allowed again once the slot freed")
	}
}

func TestHostSchedulerLimitsArePerHost(t *testing.T) {
	s := NewHostScheduler()
	s.SetHostLimit("a.example.com", 1)
	s.OnStarted("https://a.example.com/x")

	if !s.CanStart("https://b.example.com/y") {
		t.Fatal("a limit on one host must not affect another host")
	}
}
