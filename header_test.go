package agi

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseHeaderPopulatesKnownFields(t *testing.T) {
	record := "agi_network: yes\n" +
		"agi_uniqueid: 1700000000.42\n" +
		"agi_callerid: 5551234\n" +
		"agi_context: default\n" +
		"agi_unknown_field: surprise"

	meta := parseHeader(record)

	assert.Equal(t, "yes", meta.Network)
	assert.Equal(t, "1700000000.42", meta.UniqueID)
	assert.Equal(t, "5551234", meta.CallerID)
	assert.Equal(t, "default", meta.Context)
	assert.Equal(t, "surprise", meta.Extra["unknown_field"])
}

func TestParseHeaderIgnoresNonAgiLines(t *testing.T) {
	meta := parseHeader("not_agi: ignored\nagi_request: agi://127.0.0.1/foo")
	assert.Equal(t, "agi://127.0.0.1/foo", meta.Request)
	assert.Empty(t, meta.Extra)
}

func TestParseHeaderEmptyRecord(t *testing.T) {
	meta := parseHeader("")
	assert.Equal(t, "", meta.Network)
}
