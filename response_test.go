package agi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseParserKeyValueTokens(t *testing.T) {
	var p responseParser
	res, err := p.Parse("200 result=1 endpos=16000")
	require.NoError(t, err)
	require.NotNil(t, res.response)

	assert.Equal(t, 200, res.response.Code)
	assert.Equal(t, 1, res.response.Result)
	assert.Equal(t, 16000, res.response.Arguments.Number("endpos"))
}

func TestResponseParserParenFlag(t *testing.T) {
	var p responseParser
	res, err := p.Parse("200 result=1 (timeout)")
	require.NoError(t, err)

	assert.True(t, res.response.Arguments.Boolean("timeout"))
	assert.Equal(t, "timeout", res.response.Arguments.NoKey())
}

func TestResponseParserBareTokenIsNoKey(t *testing.T) {
	var p responseParser
	res, err := p.Parse("200 result=1 (bar)")
	require.NoError(t, err)
	assert.Equal(t, "bar", res.response.Arguments.NoKey())
}

func TestResponseParserHangupIsNotAResponse(t *testing.T) {
	var p responseParser
	res, err := p.Parse("HANGUP")
	require.NoError(t, err)
	assert.True(t, res.hangup)
	assert.Nil(t, res.response)
}

func TestResponseParserMissingResultDefaultsToZero(t *testing.T) {
	var p responseParser
	res, err := p.Parse("200 foo=bar")
	require.NoError(t, err)
	assert.Equal(t, 0, res.response.Result)
}

func TestResponseParserMalformedLine(t *testing.T) {
	var p responseParser
	_, err := p.Parse("not-a-number result=1")
	require.Error(t, err)
}
