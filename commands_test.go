package agi

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenarioS2GetVariableSuccess(t *testing.T) {
	ch, mock := newChannelUnderTest(t, testHeader)
	defer mock.close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		cmd := mock.nextCommand()
		assert.Equal(t, "GET VARIABLE FOO", cmd)
		mock.reply("200 result=1 (bar)")
	}()

	val, err := ch.GetVariable("FOO")
	require.NoError(t, err)
	assert.Equal(t, "bar", val)
	<-done
}

func TestScenarioS3GetVariableUnset(t *testing.T) {
	ch, mock := newChannelUnderTest(t, testHeader)
	defer mock.close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = mock.nextCommand()
		mock.reply("200 result=0")
	}()

	_, err := ch.GetVariable("FOO")
	require.Error(t, err)
	var rejected *CommandRejectedError
	require.ErrorAs(t, err, &rejected)
	<-done
}

func TestScenarioS4FIFOUnderConcurrentSubmit(t *testing.T) {
	ch, mock := newChannelUnderTest(t, testHeader)
	defer mock.close()

	var wireOrder []string
	var mu sync.Mutex

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			cmd := mock.nextCommand()
			mu.Lock()
			wireOrder = append(wireOrder, cmd)
			mu.Unlock()
			mock.reply("200 result=1")
		}
	}()

	// Three goroutines race to call Submit, but each is staggered just
	// enough that it reliably reaches the queue's lock in A, B, C order;
	// the queue itself then guarantees whatever order it sees is the order
	// written to the wire, one command at a time (SPEC_FULL §4.4 FIFO).
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); _ = ch.SetVariable("A", "1") }()
	time.Sleep(5 * time.Millisecond)
	go func() { defer wg.Done(); _ = ch.SetVariable("B", "2") }()
	time.Sleep(5 * time.Millisecond)
	go func() { defer wg.Done(); _ = ch.SetVariable("C", "3") }()

	wg.Wait()
	<-done

	require.Len(t, wireOrder, 3)
	assert.Equal(t, `SET VARIABLE "A" "1"`, wireOrder[0])
	assert.Equal(t, `SET VARIABLE "B" "2"`, wireOrder[1])
	assert.Equal(t, `SET VARIABLE "C" "3"`, wireOrder[2])
}

func TestScenarioS6CompositeGetData(t *testing.T) {
	ch, mock := newChannelUnderTest(t, testHeader)
	defer mock.close()

	var waitForDigitCount int
	done := make(chan struct{})
	go func() {
		defer close(done)

		cmd := mock.nextCommand()
		assert.Equal(t, `STREAM FILE prompt "0123456789*#"`, cmd)
		mock.reply("200 result=0 endpos=16000")

		digits := []int{49, 50, 51, 52}
		for _, d := range digits {
			cmd := mock.nextCommand()
			assert.Regexp(t, "^WAIT FOR DIGIT", cmd)
			waitForDigitCount++
			mock.reply("200 result=" + strconv.Itoa(d))
		}
	}()

	result, err := ch.GetData("prompt", 10*time.Second, 4, 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "1234", result.Digits)
	assert.False(t, result.Timeout)

	<-done
	assert.Equal(t, 4, waitForDigitCount)
}

func TestGetDataCompositeInterDigitTimeoutEmptyCollection(t *testing.T) {
	ch, mock := newChannelUnderTest(t, testHeader)
	defer mock.close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = mock.nextCommand() // STREAM FILE
		mock.reply("200 result=0 endpos=0")
		_ = mock.nextCommand() // WAIT FOR DIGIT
		mock.reply("200 result=0")
	}()

	result, err := ch.GetData("prompt", 10*time.Second, 2, 500*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "", result.Digits)
	assert.True(t, result.Timeout)
	<-done
}

func TestQueueBackpressureRejectsAtCapacity(t *testing.T) {
	ch, mock := newChannelUnderTest(t, testHeader)
	defer mock.close()

	// Occupy the worker with an in-flight command that never gets a reply,
	// so every further submission piles up in q.pending instead of draining.
	go func() {
		_, _ = ch.Submit("NOOP blocker", Unbounded)
	}()
	go func() {
		_ = mock.nextCommand() // "NOOP blocker" hits the wire; withhold the reply
	}()

	// Fill the queue to capacity. Each of these calls blocks forever (the
	// worker never frees up), so they're fired off in background goroutines
	// and only their enqueue side effect (q.pending growing) is observed.
	for i := 0; i < DefaultMaxQueueSize; i++ {
		go func() { _, _ = ch.Submit("NOOP filler", time.Minute) }()
	}

	require.Eventually(t, func() bool {
		return ch.GetQueueStats().Size == DefaultMaxQueueSize
	}, 2*time.Second, 5*time.Millisecond, "queue should fill to capacity")

	_, err := ch.Submit("NOOP overflow", time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQueueFull)
}
