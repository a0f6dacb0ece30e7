package agi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFramerHeaderThenLines(t *testing.T) {
	f := newFramer()

	recs := f.Feed([]byte("agi_network: yes\nagi_uniqueid: 1.1\n\n"))
	require.Len(t, recs, 1)
	assert.Equal(t, "agi_network: yes\nagi_uniqueid: 1.1", recs[0])
	assert.Equal(t, framerWaiting, f.state)

	recs = f.Feed([]byte("200 result=1\n"))
	require.Len(t, recs, 1)
	assert.Equal(t, "200 result=1", recs[0])
}

func TestFramerMultipleLinesInOneRead(t *testing.T) {
	f := newFramer()
	f.Feed([]byte("agi_uniqueid: 1\n\n"))

	recs := f.Feed([]byte("200 result=1\n200 result=2\n"))
	require.Len(t, recs, 2)
	assert.Equal(t, "200 result=1", recs[0])
	assert.Equal(t, "200 result=2", recs[1])
}

func TestFramerDiscardsEmptyLines(t *testing.T) {
	f := newFramer()
	f.Feed([]byte("agi_uniqueid: 1\n\n"))

	recs := f.Feed([]byte("\n200 result=1\n\n"))
	require.Len(t, recs, 1)
	assert.Equal(t, "200 result=1", recs[0])
}

func TestFramerHeaderAcrossMultipleReads(t *testing.T) {
	f := newFramer()

	recs := f.Feed([]byte("agi_network: yes\n"))
	assert.Empty(t, recs)

	recs = f.Feed([]byte("agi_uniqueid: 1\n\n"))
	require.Len(t, recs, 1)
	assert.Equal(t, "agi_network: yes\nagi_uniqueid: 1", recs[0])
}
