package conversation

import "regexp"

// Step is a state of the structured onboarding flow.
type Step string

const (
	StepWelcome             Step = "welcome"
	StepCollectEmail        Step = "collect_email"
	StepBranchLoginOrSignup Step = "branch_login_or_signup"
	StepCollectName         Step = "collect_name"
	StepCollectPassword     Step = "collect_password"
	StepCollectInterests    Step = "collect_interests"
	StepShowValues          Step = "show_values"
	StepAwaitAgreement      Step = "await_agreement"
	StepComplete            Step = "complete"
)

var validSteps = map[Step]bool{
	StepWelcome:             true,
	StepCollectEmail:        true,
	StepBranchLoginOrSignup: true,
	StepCollectName:         true,
	StepCollectPassword:     true,
	StepCollectInterests:    true,
	StepShowValues:          true,
	StepAwaitAgreement:      true,
	StepComplete:            true,
}

// ValidStep reports whether s names a known flow state.
func ValidStep(s Step) bool {
	return validSteps[s]
}

// Input is the validated user input a transition is computed from.
// Validation happens before Next is called; Next itself is pure.
type Input struct {
	Text       string
	Email      string // set when Text parses as an email address
	EmailKnown bool   // the owner directory already has an account for Email
	Agreed     bool
}

// Transition is the outcome of one step: the next step, plus a note when
// invalid input re-entered the same step.
type Transition struct {
	Next Step
	Note string
}

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// IsEmail reports whether text looks like an email address.
func IsEmail(text string) bool {
	return emailPattern.MatchString(text)
}

type transitionFunc func(Input) Transition

// The flow graph is a pure transition table. Back-edges (error correction)
// re-enter the current step with a note; no input can reach an undefined
// state.
var transitions = map[Step]transitionFunc{
	StepWelcome:             collectEmail(StepWelcome),
	StepCollectEmail:        collectEmail(StepCollectEmail),
	StepBranchLoginOrSignup: branchLoginOrSignup,
	StepCollectName:         collectName,
	StepCollectPassword:     collectPassword,
	StepCollectInterests:    collectInterests,
	StepShowValues:          showValues,
	StepAwaitAgreement:      awaitAgreement,
	StepComplete: func(Input) Transition {
		return Transition{Next: StepComplete}
	},
}

// Next computes the transition for one validated input. Unknown steps map
// to themselves with a note rather than advancing, so a caller that failed
// to validate state cannot push the flow somewhere undefined.
func Next(step Step, in Input) Transition {
	fn, ok := transitions[step]
	if !ok {
		return Transition{Next: step, Note: "unknown flow step"}
	}
	return fn(in)
}

// collectEmail handles both the welcome state and explicit email re-entry:
// a fresh email starts the signup branch, a known email routes to the
// login-or-signup choice.
func collectEmail(self Step) transitionFunc {
	return func(in Input) Transition {
		if in.Email == "" {
			return Transition{Next: self, Note: "a valid email address is required to continue"}
		}
		if in.EmailKnown {
			return Transition{Next: StepBranchLoginOrSignup}
		}
		return Transition{Next: StepCollectName}
	}
}

func branchLoginOrSignup(in Input) Transition {
	switch in.Text {
	case "login":
		return Transition{Next: StepCollectPassword}
	case "signup":
		return Transition{Next: StepCollectName}
	default:
		return Transition{Next: StepBranchLoginOrSignup, Note: "answer 'login' or 'signup'"}
	}
}

func collectName(in Input) Transition {
	if in.Text == "" {
		return Transition{Next: StepCollectName, Note: "a display name is required"}
	}
	return Transition{Next: StepCollectPassword}
}

func collectPassword(in Input) Transition {
	if len(in.Text) < 8 {
		return Transition{Next: StepCollectPassword, Note: "password must be at least 8 characters"}
	}
	return Transition{Next: StepCollectInterests}
}

func collectInterests(in Input) Transition {
	if in.Text == "" {
		return Transition{Next: StepCollectInterests, Note: "pick at least one interest"}
	}
	return Transition{Next: StepShowValues}
}

func showValues(Input) Transition {
	// The values screen only requires acknowledgement before agreement.
	return Transition{Next: StepAwaitAgreement}
}

func awaitAgreement(in Input) Transition {
	if !in.Agreed {
		return Transition{Next: StepAwaitAgreement, Note: "agreement is required to finish onboarding"}
	}
	return Transition{Next: StepComplete}
}
