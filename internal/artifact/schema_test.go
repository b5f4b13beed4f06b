package artifact

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const priceAlertWorkflow = `name: eth-price-alert
version: 1.0.0
description: Monitor ETH/USD and alert on a 5% drop
triggers:
  - type: cron
    schedule: "*/5 * * * *"
steps:
  - id: fetch_price
    type: http_fetch
    url: https://api.example.com/eth-usd
  - id: detect_drop
    type: compute
    function: function.js
    depends_on: [fetch_price]
  - id: notify
    type: notify
    inputs:
      channel: email
    depends_on: [detect_drop]
secrets: [ALERT_EMAIL]
`

func TestValidateSchemaAcceptsWorkflow(t *testing.T) {
	ok, violations := ValidateSchema(priceAlertWorkflow)
	require.Empty(t, violations)
	assert.True(t, ok)
}

func TestValidateSchemaEvmTrigger(t *testing.T) {
	doc := `name: link-restake
version: "2"
triggers:
  - type: evm_log
    chain: ethereum-sepolia
    address: "0x779877A7B0D9E8603169DdbD7836e478b4624789"
    event: Transfer(address,address,uint256)
steps:
  - id: restake
    type: evm_write
    chain: ethereum-sepolia
    target: "0x779877A7B0D9E8603169DdbD7836e478b4624789"
`
	ok, violations := ValidateSchema(doc)
	require.Empty(t, violations)
	assert.True(t, ok)
}

func TestValidateSchemaReportsFieldViolations(t *testing.T) {
	doc := `name: Bad Name
triggers:
  - type: cron
steps:
  - id: fetch
    type: http_fetch
  - id: compute
    type: compute
    function: other.js
  - id: write
    type: teleport
`
	ok, violations := ValidateSchema(doc)
	assert.False(t, ok)
	joined := strings.Join(violations, "\n")
	for _, want := range []string{
		"name: must be lowercase",
		"version: is required",
		"triggers[0].schedule: is required when Type is cron",
		"steps[0].url: is required",
		"steps[2].type: must be one of",
		"steps[1].function: must reference function.js",
	} {
		assert.Contains(t, joined, want)
	}
}

func TestValidateSchemaRejectsUnknownFields(t *testing.T) {
	doc := priceAlertWorkflow + "runtime: nodejs\n"
	ok, violations := ValidateSchema(doc)
	assert.False(t, ok)
	require.Len(t, violations, 1)
	assert.Contains(t, violations[0], "runtime")
}

func TestValidateSchemaStepGraph(t *testing.T) {
	doc := `name: loop
version: 1.0.0
triggers:
  - type: http
    path: /hook
steps:
  - id: a
    type: notify
    depends_on: [c]
  - id: b
    type: notify
    depends_on: [a, missing]
  - id: c
    type: notify
    depends_on: [b]
  - id: a
    type: notify
`
	ok, violations := ValidateSchema(doc)
	assert.False(t, ok)
	joined := strings.Join(violations, "\n")
	assert.Contains(t, joined, `steps[3].id: duplicate id "a"`)
	assert.Contains(t, joined, `steps[1].depends_on: unknown step "missing"`)
	assert.Contains(t, joined, "dependency cycle a -> c -> b -> a")
}

func TestValidateSchemaEmptyAndMalformed(t *testing.T) {
	ok, violations := ValidateSchema("   ")
	assert.False(t, ok)
	assert.Equal(t, []string{"workflow definition is empty"}, violations)

	ok, violations = ValidateSchema("name: [unterminated")
	assert.False(t, ok)
	require.Len(t, violations, 1)
	assert.True(t, strings.HasPrefix(violations[0], "yaml: "))
}
