package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OnyxLab-Core/internal/errors"
)

var allStatuses = []Status{
	StatusIdle, StatusAwaitingProposal, StatusProposalReady, StatusProposalError,
	StatusPaymentPending, StatusPaymentProcessing, StatusPaymentVerified, StatusPaymentFailed,
	StatusGeneratingCode, StatusCodeError, StatusDeploying, StatusDeployError, StatusDeployed,
}

var allTriggers = []Trigger{
	TriggerSubmitPrompt, TriggerProposalOK, TriggerProposalFail, TriggerRetry, TriggerReject,
	TriggerApprove, TriggerInitiatePay, TriggerCancel, TriggerConfirmed, TriggerRejectedOrTimeout,
	TriggerAuto, TriggerComplete, TriggerFail, TriggerSuccess,
}

func TestNextFollowsTable(t *testing.T) {
	cases := []struct {
		from    Status
		trigger Trigger
		to      Status
	}{
		{StatusIdle, TriggerSubmitPrompt, StatusAwaitingProposal},
		{StatusAwaitingProposal, TriggerProposalOK, StatusProposalReady},
		{StatusAwaitingProposal, TriggerProposalFail, StatusProposalError},
		{StatusProposalError, TriggerRetry, StatusAwaitingProposal},
		{StatusProposalReady, TriggerReject, StatusAwaitingProposal},
		{StatusProposalReady, TriggerApprove, StatusPaymentPending},
		{StatusPaymentPending, TriggerInitiatePay, StatusPaymentProcessing},
		{StatusPaymentPending, TriggerCancel, StatusIdle},
		{StatusPaymentProcessing, TriggerConfirmed, StatusPaymentVerified},
		{StatusPaymentProcessing, TriggerRejectedOrTimeout, StatusPaymentFailed},
		{StatusPaymentFailed, TriggerRetry, StatusPaymentPending},
		{StatusPaymentVerified, TriggerAuto, StatusGeneratingCode},
		{StatusGeneratingCode, TriggerComplete, StatusDeploying},
		{StatusGeneratingCode, TriggerFail, StatusCodeError},
		{StatusCodeError, TriggerRetry, StatusGeneratingCode},
		{StatusDeploying, TriggerSuccess, StatusDeployed},
		{StatusDeploying, TriggerFail, StatusDeployError},
		{StatusDeployError, TriggerRetry, StatusDeploying},
	}
	for _, tc := range cases {
		t.Run(string(tc.from)+"/"+string(tc.trigger), func(t *testing.T) {
			to, err := Next(tc.from, tc.trigger)
			require.NoError(t, err)
			assert.Equal(t, tc.to, to)
		})
	}
	assert.Len(t, transitions, len(cases))
}

func TestNextRejectsEverythingElse(t *testing.T) {
	for _, from := range allStatuses {
		for _, trigger := range allTriggers {
			if _, ok := transitions[edge{from: from, trigger: trigger}]; ok {
				continue
			}
			_, err := Next(from, trigger)
			require.Error(t, err, "%s/%s", from, trigger)
			assert.Equal(t, xerrors.CodeInvalidTransition, xerrors.CodeOf(err))
			assert.Equal(t, xerrors.CategoryState, xerrors.CategoryOf(err))
		}
	}
}

func TestGeneratingCodeOnlyAfterPayment(t *testing.T) {
	for key, to := range transitions {
		if to != StatusGeneratingCode {
			continue
		}
		assert.Contains(t, []Status{StatusPaymentVerified, StatusCodeError}, key.from)
	}
}

func TestDeployedIsTerminal(t *testing.T) {
	for _, trigger := range allTriggers {
		_, err := Next(StatusDeployed, trigger)
		assert.Error(t, err)
	}
	assert.True(t, IsTerminal(StatusDeployed))
	assert.False(t, IsTerminal(StatusDeployError))
}

func TestIsValidStatus(t *testing.T) {
	for _, status := range allStatuses {
		assert.True(t, IsValidStatus(status), status)
	}
	assert.False(t, IsValidStatus("running"))
	assert.False(t, IsValidStatus(""))
}
