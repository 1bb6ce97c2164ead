package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNext_WelcomeWithUnseenEmail(t *testing.T) {
	trans := Next(StepWelcome, Input{Text: "new@example.com", Email: "new@example.com"})
	assert.Equal(t, StepCollectName, trans.Next)
	assert.Empty(t, trans.Note)
}

func TestNext_WelcomeWithKnownEmail(t *testing.T) {
	trans := Next(StepWelcome, Input{Text: "old@example.com", Email: "old@example.com", EmailKnown: true})
	assert.Equal(t, StepBranchLoginOrSignup, trans.Next)
}

func TestNext_InvalidEmailReentersWithNote(t *testing.T) {
	trans := Next(StepWelcome, Input{Text: "not an email"})
	assert.Equal(t, StepWelcome, trans.Next)
	assert.NotEmpty(t, trans.Note)

	trans = Next(StepCollectEmail, Input{Text: ""})
	assert.Equal(t, StepCollectEmail, trans.Next)
	assert.NotEmpty(t, trans.Note)
}

func TestNext_BranchLoginOrSignup(t *testing.T) {
	trans := Next(StepBranchLoginOrSignup, Input{Text: "login"})
	assert.Equal(t, StepCollectPassword, trans.Next)

	trans = Next(StepBranchLoginOrSignup, Input{Text: "signup"})
	assert.Equal(t, StepCollectName, trans.Next)

	trans = Next(StepBranchLoginOrSignup, Input{Text: "maybe"})
	assert.Equal(t, StepBranchLoginOrSignup, trans.Next)
	assert.NotEmpty(t, trans.Note)
}

func TestNext_PasswordLength(t *testing.T) {
	trans := Next(StepCollectPassword, Input{Text: "short"})
	assert.Equal(t, StepCollectPassword, trans.Next)
	assert.NotEmpty(t, trans.Note)

	trans = Next(StepCollectPassword, Input{Text: "long enough password"})
	assert.Equal(t, StepCollectInterests, trans.Next)
}

func TestNext_AgreementRequired(t *testing.T) {
	trans := Next(StepAwaitAgreement, Input{Text: "no"})
	assert.Equal(t, StepAwaitAgreement, trans.Next)
	assert.NotEmpty(t, trans.Note)

	trans = Next(StepAwaitAgreement, Input{Agreed: true})
	assert.Equal(t, StepComplete, trans.Next)
}

func TestNext_CompleteIsTerminal(t *testing.T) {
	trans := Next(StepComplete, Input{Text: "anything"})
	assert.Equal(t, StepComplete, trans.Next)
}

func TestNext_UnknownStepDoesNotAdvance(t *testing.T) {
	trans := Next(Step("bogus"), Input{Text: "x"})
	assert.Equal(t, Step("bogus"), trans.Next)
	assert.NotEmpty(t, trans.Note)
}

func TestIsEmail(t *testing.T) {
	assert.True(t, IsEmail("user@example.com"))
	assert.True(t, IsEmail("u.ser+tag@sub.example.org"))
	assert.False(t, IsEmail("user"))
	assert.False(t, IsEmail("user@"))
	assert.False(t, IsEmail("user@host"))
	assert.False(t, IsEmail("two words@example.com"))
}
