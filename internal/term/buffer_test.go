package term

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitForIdleResolvesAfterQuiet(t *testing.T) {
	b := NewBuffer(100*time.Millisecond, nil)
	defer b.Close()

	done := make(chan string, 1)
	go func() { done <- b.WaitForIdle() }()
	time.Sleep(20 * time.Millisecond)
	b.Feed([]byte("board banner text"))

	select {
	case screen := <-done:
		assert.Equal(t, "board banner text", screen)
	case <-time.After(time.Second):
		t.Fatal("WaitForIdle did not resolve")
	}
}

func TestWaitForIdleResolvesWithNoData(t *testing.T) {
	b := NewBuffer(50*time.Millisecond, nil)
	defer b.Close()

	start := time.Now()
	screen := b.WaitForIdle()
	assert.Empty(t, screen)
	assert.Less(t, time.Since(start), time.Second, "always armed, never hangs")
}

func TestPromptShortGrace(t *testing.T) {
	b := NewBuffer(2*time.Second, nil)
	defer b.Close()

	done := make(chan string, 1)
	go func() { done <- b.WaitForIdle() }()
	time.Sleep(20 * time.Millisecond)
	b.Feed([]byte("Enter your handle: "))

	select {
	case screen := <-done:
		assert.Contains(t, screen, "handle:")
	case <-time.After(time.Second):
		t.Fatal("prompt grace did not fire before the long idle timeout")
	}
}

func TestDataResetsIdleTimer(t *testing.T) {
	b := NewBuffer(120*time.Millisecond, nil)
	defer b.Close()

	done := make(chan string, 1)
	go func() { done <- b.WaitForIdle() }()
	time.Sleep(20 * time.Millisecond)

	// Keep feeding below the idle window; the wait must outlast all of it.
	for i := 0; i < 4; i++ {
		b.Feed([]byte("chunk "))
		time.Sleep(60 * time.Millisecond)
	}

	select {
	case screen := <-done:
		assert.Contains(t, screen, "chunk chunk chunk chunk")
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForIdle never resolved")
	}
}

func TestSecondConcurrentWaiterRejected(t *testing.T) {
	b := NewBuffer(200*time.Millisecond, nil)
	defer b.Close()

	go b.WaitForIdle()
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, b.WaitForIdle(), "only one waiter at a time")
}

func TestHistoryRecordsDistinctScreens(t *testing.T) {
	b := NewBuffer(30*time.Millisecond, nil)
	defer b.Close()

	b.Feed([]byte("screen one"))
	b.WaitForIdle()

	// Same screen again: no new history entry.
	b.WaitForIdle()

	b.Screen().Reset()
	b.Feed([]byte("screen two"))
	b.WaitForIdle()

	history := b.History()
	require.Len(t, history, 2)
	assert.Equal(t, "screen one", history[0])
	assert.Equal(t, "screen two", history[1])
}

func TestHistoryBounded(t *testing.T) {
	b := NewBuffer(5*time.Millisecond, nil)
	defer b.Close()

	for i := 0; i < historySize+10; i++ {
		b.Screen().Reset()
		b.Feed([]byte{byte('A' + i%26), byte('0' + i%10)})
		b.WaitForIdle()
	}
	assert.LessOrEqual(t, len(b.History()), historySize)
}

func TestWaitAfterCloseReturnsEmpty(t *testing.T) {
	b := NewBuffer(time.Second, nil)
	b.Close()
	start := time.Now()
	assert.Empty(t, b.WaitForIdle())
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestCloseReleasesPendingWaiter(t *testing.T) {
	b := NewBuffer(10*time.Second, nil)
	done := make(chan string, 1)
	go func() { done <- b.WaitForIdle() }()
	time.Sleep(20 * time.Millisecond)
	b.Close()

	select {
	case screen := <-done:
		assert.Empty(t, screen)
	case <-time.After(time.Second):
		t.Fatal("Close did not release the waiter")
	}
}

func TestLooksLikePrompt(t *testing.T) {
	prompts := []string{
		"What is your name?",
		"Password:",
		"Main Menu >",
		"Continue? [Y/n]",
		"[More]",
		"Press ENTER to continue",
		"press any key to continue",
		"(5 min left)",
		"Your choice:",
	}
	for _, p := range prompts {
		assert.True(t, LooksLikePrompt(p), "should match %q", p)
	}

	notPrompts := []string{
		"Downloading file 3 of 10",
		"the quick brown fox",
	}
	for _, p := range notPrompts {
		assert.False(t, LooksLikePrompt(p), "should not match %q", p)
	}
}
