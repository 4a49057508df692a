package ntclient

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestInFlightCoalesces(t *testing.T) {
	f := newInFlight()

	var runs atomic.Int64
	started := make(chan struct{})
	release := make(chan struct{})

	factory := func() (any, error) {
		runs.Add(1)
		close(started)
		<-release
		return "announced", nil
	}

	first := make(chan any, 1)
	go func() {
		v, err := f.Do("publish:/a", factory)
		if err != nil {
			t.Errorf("Do: %v", err)
		}
		first <- v
	}()
	<-started

	// The entry is live now, so this caller must join the running task
	// instead of spawning a second factory run.
	second := make(chan any, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		v, err := f.Do("publish:/a", factory)
		if err != nil {
			t.Errorf("Do: %v", err)
		}
		second <- v
	}()

	// Keep the first task running until the second caller has reached the
	// live entry; releasing at once would let the first call finish and
	// remove the entry before the second one looks it up.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := runs.Load(); got != 1 {
		t.Fatalf("factory ran %d times, want 1", got)
	}
	if v := <-first; v != "announced" {
		t.Errorf("first caller got %v", v)
	}
	if v := <-second; v != "announced" {
		t.Errorf("second caller got %v", v)
	}
}

func TestInFlightRemovedAfterCompletion(t *testing.T) {
	f := newInFlight()

	if _, err := f.Do("k", func() (any, error) { return 1, nil }); err != nil {
		t.Fatal(err)
	}
	f.mu.Lock()
	_, present := f.ops["k"]
	f.mu.Unlock()
	if present {
		t.Error("entry not removed after success")
	}

	// After a failure, a retry produces a fresh task.
	boom := errors.New("boom")
	if _, err := f.Do("k", func() (any, error) { return nil, boom }); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	v, err := f.Do("k", func() (any, error) { return 2, nil })
	if err != nil || v != 2 {
		t.Errorf("retry after failure = %v, %v", v, err)
	}
}

func TestInFlightTeardown(t *testing.T) {
	f := newInFlight()
	f.BeginTeardown()
	if _, err := f.Do("k", func() (any, error) { return 1, nil }); !errors.Is(err, ErrCleaningUp) {
		t.Errorf("err = %v, want ErrCleaningUp", err)
	}
}

func TestInFlightRunningTaskSurvivesTeardown(t *testing.T) {
	f := newInFlight()
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		_, err := f.Do("k", func() (any, error) {
			close(started)
			<-release
			return "ok", nil
		})
		done <- err
	}()

	<-started
	f.BeginTeardown()
	close(release)

	if err := <-done; err != nil {
		t.Errorf("running task failed during teardown: %v", err)
	}
}
